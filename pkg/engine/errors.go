package engine

import "fmt"

// BuildContextError reports an unreadable build context directory. It is
// fatal: no tag can be built without a context.
type BuildContextError struct {
	Dir string
	Err error
}

func (e *BuildContextError) Error() string {
	return fmt.Sprintf("build context %s: %v", e.Dir, e.Err)
}

func (e *BuildContextError) Unwrap() error { return e.Err }

// TagBuildError reports a failed build for one tag. The build loop logs it
// and moves on to the next tag.
type TagBuildError struct {
	Tag string
	Err error
}

func (e *TagBuildError) Error() string {
	return fmt.Sprintf("building tag %s: %v", e.Tag, e.Err)
}

func (e *TagBuildError) Unwrap() error { return e.Err }

// PushError reports a failed push. It aborts the remaining pushes.
type PushError struct {
	Tag string
	Err error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("pushing %s: %v", e.Tag, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }
