package chromedp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/capture"
)

// Chrome network error fragments that indicate the target, not the engine,
// is at fault.
var unreachableFragments = []string{
	"net::ERR_NAME_NOT_RESOLVED",
	"net::ERR_NAME_RESOLUTION_FAILED",
	"net::ERR_CONNECTION_REFUSED",
	"net::ERR_CONNECTION_RESET",
	"net::ERR_CONNECTION_TIMED_OUT",
	"net::ERR_ADDRESS_UNREACHABLE",
	"net::ERR_INTERNET_DISCONNECTED",
	"net::ERR_SSL_PROTOCOL_ERROR",
	"net::ERR_CERT_",
}

var crashFragments = []string{
	"chrome failed to start",
	"websocket: close",
	"websocket url timeout",
	"target crashed",
	"session closed",
	"browser closed",
	"unexpected EOF",
}

// classify maps a raw chromedp error onto the render failure taxonomy so the
// orchestrator can pick the right retry policy.
func (r *Renderer) classify(err error, rawURL string) error {
	if err == nil {
		return nil
	}

	classified := classifyError(err)
	if r.logger != nil {
		r.logger.Debug("render failed",
			zap.String("url", rawURL),
			zap.String("class", string(capture.ClassifyRender(classified))),
			zap.Error(err),
		)
	}
	return classified
}

func classifyError(err error) error {
	switch {
	case errors.Is(err, capture.ErrRenderTimeout),
		errors.Is(err, capture.ErrUnreachable),
		errors.Is(err, capture.ErrRenderCrash),
		errors.Is(err, capture.ErrBlocked):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", capture.ErrRenderTimeout, err)
	case errors.Is(err, context.Canceled):
		// The tab context is cancelled by the deadline watchdog or by
		// browser teardown; either way the engine stopped serving us.
		return fmt.Errorf("%w: %v", capture.ErrRenderCrash, err)
	}

	msg := err.Error()
	for _, fragment := range unreachableFragments {
		if strings.Contains(msg, fragment) {
			return fmt.Errorf("%w: %v", capture.ErrUnreachable, err)
		}
	}
	for _, fragment := range crashFragments {
		if strings.Contains(msg, fragment) {
			return fmt.Errorf("%w: %v", capture.ErrRenderCrash, err)
		}
	}
	return fmt.Errorf("%w: %v", capture.ErrRenderCrash, err)
}
