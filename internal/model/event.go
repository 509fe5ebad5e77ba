package model

import "time"

// FundingStatus is the all-or-nothing outcome of an event's pledge
// campaign.  It leaves in_progress exactly once.
type FundingStatus string

const (
    FundingInProgress FundingStatus = "in_progress"
    FundingFunded     FundingStatus = "funded"
    FundingFailed     FundingStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s FundingStatus) Terminal() bool {
    return s == FundingFunded || s == FundingFailed
}

// Event is a crowdfunded event with a fixed ticket capacity.  Buyers
// pledge by reserving tickets; their payments are only captured when the
// funding goal is reached.
//
// Fields:
//  ID                 – primary key identifier.
//  OrganizerID        – user who created the event.
//  Title              – display title.
//  TotalCapacity      – number of tickets that can ever be sold.
//  ReservedCount      – tickets held by reservations awaiting settlement.
//  SoldCount          – tickets whose payment has been captured.
//  TicketPriceCents   – price of a single ticket in minor units.
//  FundingGoalCents   – pledged amount required for the event to go ahead.
//  PledgedCents       – amount currently pledged by active reservations.
//  PledgeDeadline     – instant after which no reservation is accepted.
//  FundingStatus      – in_progress, funded or failed.
//  SettledAt          – set once no reservation of the event is pending.
//  CreatedAt          – creation timestamp.
//  UpdatedAt          – last update timestamp.
type Event struct {
    ID               uint64        // events.id
    OrganizerID      uint64        // events.organizer_id
    Title            string        // events.title
    TotalCapacity    uint32        // events.total_capacity
    ReservedCount    uint32        // events.reserved_count
    SoldCount        uint32        // events.sold_count
    TicketPriceCents int64         // events.ticket_price_cents
    FundingGoalCents int64         // events.funding_goal_cents
    PledgedCents     int64         // events.pledged_cents
    PledgeDeadline   time.Time     // events.pledge_deadline_ms
    FundingStatus    FundingStatus // events.funding_status
    SettledAt        *time.Time    // events.settled_at_ms (nullable)
    CreatedAt        time.Time     // events.created_at_ms
    UpdatedAt        time.Time     // events.updated_at_ms
}

// Available returns the number of tickets that can still be reserved.
func (e Event) Available() uint32 {
    used := e.ReservedCount + e.SoldCount
    if used >= e.TotalCapacity {
        return 0
    }
    return e.TotalCapacity - used
}

// GoalReached reports whether the pledged amount covers the goal.
func (e Event) GoalReached() bool {
    return e.PledgedCents >= e.FundingGoalCents
}

// AcceptsReservations reports whether new reservations may be created at now.
func (e Event) AcceptsReservations(now time.Time) bool {
    return e.FundingStatus == FundingInProgress && now.Before(e.PledgeDeadline)
}
