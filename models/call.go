package models

// Call session statuses.
const (
	CallRinging  = "ringing"
	CallActive   = "active"
	CallEnded    = "ended"
	CallDeclined = "declined"
)

// Call kinds.
const (
	CallAudio = "audio"
	CallVideo = "video"
)

// CallSession is the shared signaling record for a two-party call.
// Offer and Answer are opaque session descriptors; Answer appears only
// once the receiver accepts.
type CallSession struct {
	ID         string `bson:"_id,omitempty"    json:"id"`
	CallerID   string `bson:"callerId"         json:"callerId"`
	ReceiverID string `bson:"receiverId"       json:"receiverId"`
	Status     string `bson:"status"           json:"status"`
	Kind       string `bson:"type"             json:"type"`
	Offer      string `bson:"offer,omitempty"  json:"offer,omitempty"`
	Answer     string `bson:"answer,omitempty" json:"answer,omitempty"`
	CreatedAt  int64  `bson:"createdAt"        json:"createdAt"`
}
