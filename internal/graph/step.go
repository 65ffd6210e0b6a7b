package graph

import (
	"github.com/dyluth/folio/internal/router"
)

// Kind names the variant of a step body.
type Kind string

const (
	KindSingle        Kind = "single"
	KindParallel      Kind = "parallel_group"
	KindPageRoute     Kind = "page_route"
	KindDeterministic Kind = "deterministic"
)

// InputMode selects what a step receives besides its Board view.
type InputMode string

const (
	// InputImage passes the selected page images only
	InputImage InputMode = "image"

	// InputPrevious passes the markdown of the last dependency only
	InputPrevious InputMode = "previous_output"

	// InputImageAndPrevious passes both the page images and the last dependency's markdown
	InputImageAndPrevious InputMode = "image_and_previous"

	// InputPreviousOutputs passes the markdown of every dependency keyed by step id
	InputPreviousOutputs InputMode = "previous_outputs"
)

// Valid reports whether m is a known input mode.
func (m InputMode) Valid() bool {
	switch m {
	case InputImage, InputPrevious, InputImageAndPrevious, InputPreviousOutputs:
		return true
	}
	return false
}

// UsesImages reports whether the mode passes page images.
func (m InputMode) UsesImages() bool {
	return m == InputImage || m == InputImageAndPrevious
}

// ConsumesPrevious reports whether the mode passes dependency output.
func (m InputMode) ConsumesPrevious() bool {
	return m == InputPrevious || m == InputImageAndPrevious || m == InputPreviousOutputs
}

// Body is the kind-specific part of a step. The set of bodies is closed:
// Single, Parallel, PageRoute and Deterministic.
type Body interface {
	Kind() Kind
	isBody()
}

// Single invokes one agent once.
type Single struct {
	Agent string
}

// Parallel runs its sub-steps concurrently on isolated branches of the Board and
// merges their writes in declaration order. Sub-steps may not be parallel groups.
type Parallel struct {
	Steps []Step
}

// PageRoute assigns pages to agents and invokes each agent on its pages.
type PageRoute struct {
	Router router.Spec
}

// Deterministic invokes a named transform instead of an agent.
type Deterministic struct {
	Transform string
	Params    map[string]any
}

func (Single) Kind() Kind        { return KindSingle }
func (Parallel) Kind() Kind      { return KindParallel }
func (PageRoute) Kind() Kind     { return KindPageRoute }
func (Deterministic) Kind() Kind { return KindDeterministic }

func (Single) isBody()        {}
func (Parallel) isBody()      {}
func (PageRoute) isBody()     {}
func (Deterministic) isBody() {}

// Deps is the dependency declaration of a step. The zero value means "not
// declared": the step implicitly depends on the step declared before it.
// An explicit empty list means the step has no dependencies.
type Deps struct {
	ids      []string
	explicit bool
}

// Implicit returns the undeclared dependency set.
func Implicit() Deps { return Deps{} }

// Independent returns an explicit empty dependency set.
func Independent() Deps { return Deps{explicit: true} }

// After returns an explicit dependency on the given steps.
func After(ids ...string) Deps { return Deps{ids: append([]string(nil), ids...), explicit: true} }

// Explicit reports whether dependencies were declared.
func (d Deps) Explicit() bool { return d.explicit }

// IDs returns the declared dependency ids.
func (d Deps) IDs() []string { return append([]string(nil), d.ids...) }

// Step is one declared unit of work in a pipeline.
type Step struct {
	ID        string
	DependsOn Deps
	Condition string          // boolean expression over Board values; empty always runs
	Reads     []string        // board patterns the step sees
	Writes    []string        // board patterns the step may write
	Input     InputMode       // defaults to InputImage
	Pages     router.Selector // nil selects every page
	Body      Body
}

// Kind returns the kind of the step's body.
func (s Step) Kind() Kind {
	if s.Body == nil {
		return ""
	}
	return s.Body.Kind()
}
