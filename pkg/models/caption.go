package models

// CaptionRequest is the body of a caption bridge POST. Lang and TrackID
// may be omitted; the bridge then uses the stream language and the
// original track.
type CaptionRequest struct {
	Text       string `json:"text" binding:"required"`
	Lang       string `json:"lang,omitempty"`
	TrackID    *int   `json:"trackid,omitempty"`
	StreamName string `json:"streamname" binding:"required"`
}

// TrackNumber returns a pointer to id for CaptionRequest.TrackID
func TrackNumber(id int) *int {
	return &id
}

// CaptionResponse is returned by the caption bridge for every POST
type CaptionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// BridgeStatus is returned by the caption bridge status endpoint
type BridgeStatus struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// StreamSpec describes a stream to open on the router manager
type StreamSpec struct {
	Name     string     `json:"name" mapstructure:"name" binding:"required"`
	Source   string     `json:"source,omitempty" mapstructure:"source"`
	Language string     `json:"language,omitempty" mapstructure:"language"`
	Mode     Mode       `json:"mode,omitempty" mapstructure:"mode"`
	Sinks    []SinkSpec `json:"sinks,omitempty" mapstructure:"sinks"`
}

// SinkSpec describes one sink attached to a stream
type SinkSpec struct {
	Kind     SinkKind `json:"kind" mapstructure:"kind"`
	Target   string   `json:"target,omitempty" mapstructure:"target"`
	Tracks   []Track  `json:"tracks,omitempty" mapstructure:"tracks"`
	Username string   `json:"username,omitempty" mapstructure:"username"`
	Password string   `json:"-" mapstructure:"password"`
}
