package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"finbot/internal/core"
)

// OpKind selects what a Dispatch call asks the engine to do.
type OpKind int

const (
	OpBeginIncome OpKind = iota + 1
	OpBeginExpense
	OpSubmitText
	OpSkip
	OpCancel
)

// Op is one trigger from a chat platform.
type Op struct {
	Kind OpKind
	Text string
}

func BeginIncome() Op { return Op{Kind: OpBeginIncome} }
func BeginExpense() Op { return Op{Kind: OpBeginExpense} }
func SubmitText(text string) Op { return Op{Kind: OpSubmitText, Text: text} }
func Skip() Op { return Op{Kind: OpSkip} }
func Cancel() Op { return Op{Kind: OpCancel} }

// Expect names the input the next prompt asks for.
type Expect int

const (
	ExpectNothing Expect = iota
	ExpectCategory
	ExpectAmount
	ExpectDescription
)

type ResponseKind int

const (
	Prompt ResponseKind = iota + 1
	Committed
	ValidationFailed
	Cancelled
	Rejected
)

func (k ResponseKind) String() string {
	switch k {
	case Prompt:
		return "prompt"
	case Committed:
		return "committed"
	case ValidationFailed:
		return "validation_failed"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("response(%d)", int(k))
	}
}

// Response is what the platform layer renders back to the user.
type Response struct {
	Kind ResponseKind
	Text string
	// Expect and Options accompany a Prompt; Options lists suggested
	// answers such as the user's categories.
	Expect  Expect
	Options []string
	// Transaction is set on Committed.
	Transaction core.Transaction
	// Err is set on ValidationFailed and Rejected.
	Err error
}

const (
	promptCategory    = "Choose a category or type your own:"
	promptAmount      = "Enter the amount:"
	promptDescription = "Add a description or /skip:"
	textCancelled     = "Entry cancelled."
)

// Dispatch applies op for userID. Text input is routed by the user's
// current stage. Validation problems re-prompt for the same input; misuse
// and storage failures are Rejected.
func (e *Engine) Dispatch(ctx context.Context, userID string, op Op) Response {
	switch op.Kind {
	case OpBeginIncome, OpBeginExpense:
		kind := core.Income
		if op.Kind == OpBeginExpense {
			kind = core.Expense
		}
		categories, err := e.Begin(ctx, userID, kind)
		if err != nil {
			return rejected(err)
		}
		return Response{Kind: Prompt, Text: promptCategory, Expect: ExpectCategory, Options: categories}

	case OpSubmitText:
		return e.submit(ctx, userID, op.Text)

	case OpSkip:
		tx, err := e.SkipDescription(ctx, userID)
		return committedOr(tx, err, promptDescription, ExpectDescription)

	case OpCancel:
		if err := e.Cancel(ctx, userID); err != nil {
			return rejected(err)
		}
		return Response{Kind: Cancelled, Text: textCancelled}

	default:
		return rejected(fmt.Errorf("unknown operation %d: %w", op.Kind, ErrProtocol))
	}
}

// submit routes free text by the stage observed under the user's lock, so
// no other operation for the user can slip in between.
func (e *Engine) submit(ctx context.Context, userID, text string) Response {
	var resp Response
	err := e.withSession(userID, func(s *Session) error {
		switch s.Stage {
		case AwaitingCategory:
			if err := e.chooseCategory(s, text); err != nil {
				resp = failedOr(err, promptCategory, ExpectCategory)
				return nil
			}
			resp = Response{Kind: Prompt, Text: promptAmount, Expect: ExpectAmount}

		case AwaitingAmount:
			if _, err := e.enterAmount(s, text); err != nil {
				resp = failedOr(err, promptAmount, ExpectAmount)
				return nil
			}
			resp = Response{Kind: Prompt, Text: promptDescription, Expect: ExpectDescription}

		case AwaitingDescription:
			tx, err := e.commit(ctx, userID, s, strings.TrimSpace(text))
			resp = committedOr(tx, err, promptDescription, ExpectDescription)

		default:
			return e.check(s, "submit_text", AwaitingCategory)
		}
		return nil
	})
	if err != nil {
		return rejected(err)
	}
	return resp
}

func committedOr(tx core.Transaction, err error, prompt string, expect Expect) Response {
	if err != nil {
		return failedOr(err, prompt, expect)
	}
	return Response{Kind: Committed, Text: "Saved.", Transaction: tx}
}

func failedOr(err error, prompt string, expect Expect) Response {
	if core.IsValidationError(err) {
		return Response{
			Kind:   ValidationFailed,
			Text:   reason(err) + " " + prompt,
			Expect: expect,
			Err:    err,
		}
	}
	return rejected(err)
}

func rejected(err error) Response {
	if err == nil {
		err = ErrProtocol
	}
	return Response{Kind: Rejected, Text: reason(err), Err: err}
}

func reason(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidAmount):
		return "Amount must be a positive number, for example 150 or 12.50."
	case errors.Is(err, core.ErrEmptyCategory):
		return "Category cannot be empty."
	case errors.Is(err, core.ErrDescriptionSize):
		return fmt.Sprintf("Description is too long (max %d characters).", core.MaxDescriptionLength)
	case errors.Is(err, ErrSessionExpired):
		return "Your entry timed out. Please start again."
	case errors.Is(err, ErrProtocol):
		return "That is not expected right now."
	default:
		msg := err.Error()
		if i := strings.LastIndex(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
		return "Could not save: " + msg
	}
}
