package ev

// DataObject is one logical reply unit carried by a Result — a backend
// reply value or an error object. Pub/sub bursts attach several to one
// Result; a plain SQL/HTTP reply attaches exactly one.
type DataObject struct {
	// Value holds the backend-specific decoded payload (rows, a cache
	// reply, an HTTP response) when Err is nil.
	Value any
	// Err holds a backend error when this data object represents a failure
	// rather than a successful reply.
	Err error
}

// Result carries an ordered list of owned data objects from a device back to
// whichever handler (OneShotHandler or KeepAliveHandler) is publishing it.
type Result struct {
	objects []DataObject
}

// NewResult constructs an empty Result.
func NewResult() *Result { return &Result{} }

// NewErrorResult constructs a single-object Result wrapping err — the shape
// every rejection path delivers.
func NewErrorResult(err error) *Result {
	return &Result{objects: []DataObject{{Err: err}}}
}

// Attach appends a data object, transferring its ownership to the Result.
func (r *Result) Attach(obj DataObject) {
	r.objects = append(r.objects, obj)
}

// Objects returns the ordered list of data objects currently owned by this
// Result. Callers that want to take ownership should use Detach.
func (r *Result) Objects() []DataObject { return r.objects }

// Detach transfers ownership of the data objects to the caller and clears
// the Result.
func (r *Result) Detach() []DataObject {
	objs := r.objects
	r.objects = nil
	return objs
}

// First returns the first data object, or a zero value if the Result is
// empty — convenience for the common one-reply case.
func (r *Result) First() (DataObject, bool) {
	if len(r.objects) == 0 {
		return DataObject{}, false
	}
	return r.objects[0], true
}

// Err returns the first error found among the Result's data objects, if any.
func (r *Result) Err() error {
	for _, o := range r.objects {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}
