package models

// Presence is the user document slice this subsystem reads and writes.
// Online is advisory: the writer refreshes it, readers apply their own
// staleness judgement on top of LastSeen.
type Presence struct {
	ID       string `bson:"_id,omitempty"      json:"id"`
	Username string `bson:"username,omitempty" json:"username,omitempty"`
	Online   bool   `bson:"online"             json:"online"`
	LastSeen int64  `bson:"lastSeen"           json:"lastSeen"`
}
