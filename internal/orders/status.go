package orders

import "fmt"

type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusShipped  Status = "SHIPPED"
	StatusReceived Status = "RECEIVED"
	StatusReviewed Status = "REVIEWED"
	StatusCanceled Status = "CANCELED"
)

// validNext is the buyer/seller-facing transition table. REVIEWED and
// CANCELED are terminal.
var validNext = map[Status]map[Status]bool{
	StatusCreated:  {StatusShipped: true, StatusCanceled: true},
	StatusShipped:  {StatusReceived: true},
	StatusReceived: {StatusReviewed: true},
	StatusReviewed: {},
	StatusCanceled: {},
}

// adminNext is the wider table used by the admin override path. It
// additionally allows canceling a shipped order.
var adminNext = map[Status]map[Status]bool{
	StatusCreated:  {StatusShipped: true, StatusCanceled: true},
	StatusShipped:  {StatusReceived: true, StatusCanceled: true},
	StatusReceived: {StatusReviewed: true},
	StatusReviewed: {},
	StatusCanceled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func AdminCanTransition(from, to Status) bool {
	return adminNext[from][to]
}

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusCreated, StatusShipped, StatusReceived, StatusReviewed, StatusCanceled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

type CanceledBy string

const (
	CanceledByBuyer  CanceledBy = "BUYER"
	CanceledBySeller CanceledBy = "SELLER"
)

func ParseCanceledBy(s string) (CanceledBy, error) {
	switch CanceledBy(s) {
	case CanceledByBuyer, CanceledBySeller:
		return CanceledBy(s), nil
	}
	return "", fmt.Errorf("unknown canceled_by %q", s)
}
