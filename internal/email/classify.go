package email

import (
	"errors"
	"net"
	"net/textproto"
)

// classifySendErr reports whether err is retryable, following SMTP
// reply-code classes: a 4xx reply is a temporary failure worth
// retrying, a 5xx reply is a permanent rejection (bad mailbox,
// policy refusal) that will not clear up on its own. Bare network
// errors are retryable.
func classifySendErr(err error) bool {
	if err == nil {
		return false
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code < 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unknown error shapes default to transient.
	return true
}
