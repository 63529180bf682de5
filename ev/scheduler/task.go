package scheduler

import (
	"fmt"

	"github.com/duskline/evrelay/ev"
)

// Step is one link in a Task's chain: given the previous step's result (nil
// for the first step), it returns the next request to issue, or nil to
// finish the chain successfully.
type Step func(prev *ev.Result) (*ev.Request, error)

// taskTypeTag distinguishes Task descriptors from Subscription ones purely
// for diagnostics; the wire format doesn't otherwise care.
const taskTypeTag byte = 'T'

// Task is the promise-style OneShot builder: a client assembles a
// chain with Then, optionally attaches Catch/Finally, then hands it to
// Scheduler.Push. Each step runs on the main goroutine, in order, driven by
// the scheduler's reply routing.
type Task struct {
	invokeID  int64
	steps     []Step
	idx       int
	onCatch   func(err error)
	onFinally func(prev *ev.Result)
	done      bool
}

// NewTask starts an empty chain.
func NewTask() *Task {
	return &Task{idx: -1}
}

// Then appends a step. Returns the Task so calls can be chained, matching the
// builder style the promise-chain is named for.
func (t *Task) Then(step Step) *Task {
	t.steps = append(t.steps, step)
	return t
}

// Catch sets the handler invoked when any step returns an error, panics, or
// when the backend itself reports a failed result.
func (t *Task) Catch(fn func(err error)) *Task {
	t.onCatch = fn
	return t
}

// Finally sets the handler run once the chain completes, whether it
// succeeded or was caught. On success it receives the Result of the last
// step that actually ran a request (nil if the chain never issued one); on
// failure it receives a Result wrapping the error that was passed to Catch.
func (t *Task) Finally(fn func(prev *ev.Result)) *Task {
	t.onFinally = fn
	return t
}

func (t *Task) InvokeID() int64       { return t.invokeID }
func (t *Task) SetInvokeID(id int64)  { t.invokeID = id }
func (t *Task) TypeTag() byte         { return taskTypeTag }

// Step implements scheduler.Object. It advances through the chain one link
// per call, converting both backend errors and step panics into the Catch
// path — a client's step function is arbitrary application code, so Task
// recovers around it rather than letting a bug there become a process-fatal
// panic.
func (t *Task) Step(result *ev.Result) (done bool, next *ev.Request) {
	if t.done {
		return true, nil
	}

	if result != nil {
		if err := result.Err(); err != nil {
			return t.fail(err)
		}
	}

	t.idx++
	if t.idx >= len(t.steps) {
		return t.finish(result)
	}

	req, err := t.runStep(t.steps[t.idx], result)
	if err != nil {
		return t.fail(err)
	}
	if req == nil {
		return t.finish(result)
	}
	return false, req
}

func (t *Task) runStep(step Step, result *ev.Result) (req *ev.Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("task step panicked: %v", r)
			}
		}
	}()
	return step(result)
}

func (t *Task) fail(err error) (bool, *ev.Request) {
	t.done = true
	if t.onCatch != nil {
		t.onCatch(err)
	}
	if t.onFinally != nil {
		t.onFinally(ev.NewErrorResult(err))
	}
	return true, nil
}

func (t *Task) finish(result *ev.Result) (bool, *ev.Request) {
	t.done = true
	if t.onFinally != nil {
		t.onFinally(result)
	}
	return true, nil
}
