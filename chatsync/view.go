package chatsync

import (
	"time"

	"quill/models"
)

// PendingMessage is an optimistic send that has no confirmed counterpart
// yet. Failed entries stay visible until retried or discarded.
type PendingMessage struct {
	Message models.Message
	Failed  bool
}

// DayGroup is one calendar day's worth of messages with its separator label.
type DayGroup struct {
	Label    string
	Messages []models.Message
}

// MessageWindow is one delivered view of the open conversation: the
// confirmed tail in ascending timestamp order, grouped by day, followed by
// unconfirmed optimistic sends.
type MessageWindow struct {
	Messages []models.Message
	Groups   []DayGroup
	Pending  []PendingMessage
}

func buildWindow(now time.Time, msgs []models.Message, pending []PendingMessage) MessageWindow {
	return MessageWindow{
		Messages: msgs,
		Groups:   groupByDay(now, msgs),
		Pending:  pending,
	}
}

func groupByDay(now time.Time, msgs []models.Message) []DayGroup {
	var groups []DayGroup
	var curDay time.Time
	for _, m := range msgs {
		day := startOfDay(time.UnixMilli(m.SortTime()).In(now.Location()))
		if len(groups) == 0 || !day.Equal(curDay) {
			groups = append(groups, DayGroup{Label: dayLabel(now, day)})
			curDay = day
		}
		g := &groups[len(groups)-1]
		g.Messages = append(g.Messages, m)
	}
	return groups
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dayLabel(now, day time.Time) string {
	today := startOfDay(now)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	}
	return day.Format("January 2, 2006")
}

// summaryText is the conversation-list preview for a message body. Media
// and voice bodies collapse to fixed labels.
func summaryText(b Body) string {
	switch {
	case b.AudioURL != "":
		return "🎙 Voice message"
	case b.MediaURL != "":
		return "🖼 Photo"
	}
	return b.Text
}
