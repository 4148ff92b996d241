package types

// Action names the outbound message kinds delivered to the sandbox. They
// mirror the XMLHttpRequest event vocabulary the sandbox re-dispatches.
type Action string

const (
	ActionLoadStart        Action = "onloadstart"
	ActionProgress         Action = "onprogress"
	ActionReadyStateChange Action = "onreadystatechange"
	ActionLoad             Action = "onload"
	ActionError            Action = "onerror"
	ActionTimeout          Action = "ontimeout"
	ActionAbort            Action = "onabort"
	ActionLoadEnd          Action = "onloadend"
)

// XMLHttpRequest ready states.
const (
	ReadyStateUnsent          = 0
	ReadyStateOpened          = 1
	ReadyStateHeadersReceived = 2
	ReadyStateLoading         = 3
	ReadyStateDone            = 4
)

// ProxyEvent is the normalized payload attached to every lifecycle action.
// FinalURL, Status and ResponseHeaders come from the correlator snapshot,
// not from the primitive's own view (the primitive lies about redirects).
type ProxyEvent struct {
	FinalURL        string `json:"final_url,omitempty"`
	ReadyState      int    `json:"ready_state"`
	Status          int    `json:"status,omitempty"`
	StatusText      string `json:"status_text,omitempty"`
	ResponseHeaders string `json:"response_headers,omitempty"`
	Error           string `json:"error,omitempty"`

	// Progress fields, populated for ActionProgress only.
	LengthComputable bool  `json:"length_computable,omitempty"`
	Loaded           int64 `json:"loaded,omitempty"`
	Total            int64 `json:"total,omitempty"`
}

// RedirectPolicy controls how the executor treats 3xx responses.
type RedirectPolicy string

const (
	RedirectFollow RedirectPolicy = "follow"
	RedirectError  RedirectPolicy = "error"
	RedirectManual RedirectPolicy = "manual"
)

// Normalize maps an empty policy to the default.
func (p RedirectPolicy) Normalize() RedirectPolicy {
	if p == "" {
		return RedirectFollow
	}
	return p
}
