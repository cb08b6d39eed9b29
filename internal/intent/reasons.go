package intent

// Reason is the single enum-valued rejection reason returned to submitters.
type Reason string

const (
	ReasonMalformed        Reason = "MALFORMED"
	ReasonBadSignature     Reason = "BAD_SIGNATURE"
	ReasonNoPolicy         Reason = "NO_POLICY"
	ReasonExpired          Reason = "EXPIRED"
	ReasonActionNotAllowed Reason = "ACTION_NOT_ALLOWED"
	ReasonOverCap          Reason = "OVER_CAP"
	ReasonDuplicateID      Reason = "DUPLICATE_ID"
	ReasonNonceReused      Reason = "NONCE_REUSED"
)

// RejectionError carries a rejection reason across layer boundaries while
// remaining a normal error value.
type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}

func Reject(reason Reason, detail string) *RejectionError {
	return &RejectionError{Reason: reason, Detail: detail}
}

// ReasonOf extracts the rejection reason from an error chain, or "" when the
// error is not a rejection.
func ReasonOf(err error) Reason {
	for err != nil {
		if re, ok := err.(*RejectionError); ok {
			return re.Reason
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
