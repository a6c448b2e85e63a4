package models

// Status is the primary lifecycle state of a ticket.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusOpen       Status = "OPEN"
	StatusSale       Status = "SALE"
	StatusSold       Status = "SOLD"
	StatusClosed     Status = "CLOSED"
	StatusTransfered Status = "TRANSFERED"
	StatusExpired    Status = "EXPIRED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusOpen, StatusSale,
		StatusSold, StatusClosed, StatusTransfered, StatusExpired:
		return true
	}
	return false
}

// canTransitionTo is the closed edge set of the lifecycle state machine.
// Any transition outside this table is a programming error.
func (s Status) canTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusExpired
	case StatusProcessing:
		return next == StatusOpen || next == StatusSold ||
			next == StatusTransfered || next == StatusExpired
	case StatusOpen:
		return next == StatusSale || next == StatusClosed ||
			next == StatusProcessing || next == StatusExpired
	case StatusSale:
		return next == StatusOpen || next == StatusProcessing ||
			next == StatusExpired
	case StatusSold:
		return next == StatusExpired
	case StatusClosed, StatusTransfered, StatusExpired:
		return false
	}
	return false
}

// Activity is the secondary audit dimension, independent of Status.
type Activity string

const (
	ActivityCreated      Activity = "CREATED"
	ActivityProcessing   Activity = "PROCESSING"
	ActivityProcessed    Activity = "PROCESSED"
	ActivityListed       Activity = "LISTED"
	ActivityTransferring Activity = "TRANSFERRING"
	ActivityGranted      Activity = "GRANTED"
	ActivityDenied       Activity = "DENIED"
	ActivityExpired      Activity = "EXPIRED"
)

func (a Activity) Valid() bool {
	switch a {
	case ActivityCreated, ActivityProcessing, ActivityProcessed,
		ActivityListed, ActivityTransferring, ActivityGranted,
		ActivityDenied, ActivityExpired:
		return true
	}
	return false
}
