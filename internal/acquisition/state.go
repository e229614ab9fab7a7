package acquisition

import "log/slog"

// State is a step of the acquisition state machine. Transitions only move
// forward; Denied, Done and the failure outcomes are terminal.
type State string

const (
	StateClassified      State = "classified"
	StateGated           State = "gated"
	StateDenied          State = "denied"
	StateFetchingSearch  State = "fetching_search"
	StateFetchingProduct State = "fetching_product"
	StateExtracted       State = "extracted"
	StateImagesAcquiring State = "images_acquiring"
	StateDone            State = "done"
)

func (p *Pipeline) transition(log *slog.Logger, to State, attrs ...any) {
	log.Debug("state transition", append([]any{"state", to}, attrs...)...)
}
