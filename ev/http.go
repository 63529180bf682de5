package ev

// HTTPCall is the OneShot payload for an http-target Request.
type HTTPCall struct {
	Method string
	Path   string
	Header map[string]string
	Body   []byte
}

// HTTPReply is what an http Device attaches on a completed call.
type HTTPReply struct {
	StatusCode int
	Header     map[string][]string
	Body       []byte
}
