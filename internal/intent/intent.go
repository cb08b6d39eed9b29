package intent

import (
	"errors"
	"strings"
	"time"
)

// Action identifies what a session key is asking to do.
type Action string

const (
	ActionTrade  Action = "TRADE"
	ActionBid    Action = "BID"
	ActionBuyNow Action = "BUY_NOW"
)

// ParseAction normalises a client-supplied action string. An empty string
// defaults to TRADE.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ActionTrade:
		return ActionTrade, nil
	case ActionBid:
		return ActionBid, nil
	case ActionBuyNow:
		return ActionBuyNow, nil
	}
	return "", ErrUnknownAction
}

var ErrUnknownAction = errors.New("unknown intent action")

// TradeIntent is a signed off-chain instruction by a session key to move one
// item from one wallet to another for an amount.
//
// Amount is carried as a decimal string end to end. It is parsed into exact
// 128-bit arithmetic at validation and netting time; keeping the string here
// preserves the bytes the client signed over.
type TradeIntent struct {
	ID        string    `json:"id"`
	Session   string    `json:"session"`
	Owner     string    `json:"owner"`
	Item      string    `json:"item"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Nonce     int64     `json:"nonce"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`

	// Optional fields
	Game    string `json:"game,omitempty"`
	Listing string `json:"listing,omitempty"`
	Action  Action `json:"action,omitempty"`
}

// CheckShape performs the structural checks that precede any signature or
// policy work. Failures map to the MALFORMED rejection reason.
func (t *TradeIntent) CheckShape() error {
	switch {
	case t.ID == "":
		return errors.New("intent id is required")
	case t.Session == "":
		return errors.New("session key is required")
	case t.Owner == "":
		return errors.New("owner is required")
	case t.Item == "":
		return errors.New("item is required")
	case t.From == "" || t.To == "":
		return errors.New("from and to wallets are required")
	case t.From == t.To:
		return errors.New("from and to wallets must differ")
	case t.Signature == "":
		return errors.New("signature is required")
	case t.Nonce < 0:
		return errors.New("nonce must be non-negative")
	}
	if _, err := ParseAction(string(t.Action)); err != nil {
		return err
	}
	if strings.TrimSpace(t.Amount) == "" {
		return errors.New("amount is required")
	}
	return nil
}

// EffectiveAction returns the action with the TRADE default applied.
func (t *TradeIntent) EffectiveAction() Action {
	a, err := ParseAction(string(t.Action))
	if err != nil {
		return Action(t.Action)
	}
	return a
}
