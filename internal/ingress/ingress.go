// Package ingress translates domain verbs arriving from backend services
// into publish calls, deriving the event targets for each family.
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"clanforge/hub/internal/protocol"
)

// Event kinds per family. Backend producers use exactly these strings.
const (
	KindProfileUpdated     = "user.profile_updated"
	KindAchievementUnlock  = "user.achievement_unlocked"
	KindReputationChanged  = "user.reputation_changed"
	KindBalanceUpdated     = "user.balance_updated"
	KindLevelUp            = "user.level_up"
	KindFriendRequest      = "user.friend_request"
	KindNotification       = "user.notification"

	KindMemberJoined       = "clan.member_joined"
	KindMemberLeft         = "clan.member_left"
	KindMemberPromoted     = "clan.member_promoted"
	KindLeaderboardUpdated = "clan.leaderboard_updated"
	KindProposalCreated    = "clan.proposal_created"
	KindProposalVoted      = "clan.proposal_voted"
	KindProposalExecuted   = "clan.proposal_executed"
	KindTournamentStarted  = "clan.tournament_started"
	KindAnnouncement       = "clan.announcement"
	KindWarDeclared        = "clan.war_declared"

	KindVoteCast           = "voting.vote_cast"
	KindVoteAck            = "voting.vote_acknowledged"
	KindProposalClosed     = "voting.proposal_closed"

	KindContentPublished   = "content.published"
	KindContentLiked       = "content.liked"
	KindContentComment     = "content.commented"
	KindContentReward      = "content.reward_issued"

	KindSystemAlert        = "system.alert"
	KindSystemFeedback     = "system.feedback"
)

// KindClanWelcome is the derived welcome sent to a freshly joined member.
const KindClanWelcome = "clan.welcome"

// significantRankDelta is the |Δrank| past which affected users are notified
// directly in addition to the clan room.
const significantRankDelta = 5

// ErrBadEvent rejects events missing their mandatory identifiers.
var ErrBadEvent = errors.New("ingress: event is missing a required field")

// Publisher accepts derived events. The aggregator satisfies it.
type Publisher interface {
	Publish(event *protocol.Event) error
}

// Stats counts accepted events per family.
type Stats struct {
	User    int64 `json:"user"`
	Clan    int64 `json:"clan"`
	Voting  int64 `json:"voting"`
	Content int64 `json:"content"`
	System  int64 `json:"system"`
}

// Handlers owns the five ingress families.
type Handlers struct {
	sink Publisher
	now  func() time.Time

	user    atomic.Int64
	clan    atomic.Int64
	voting  atomic.Int64
	content atomic.Int64
	system  atomic.Int64
}

// Options configures the ingress handlers.
type Options struct {
	Publisher  Publisher
	TimeSource func() time.Time
}

// New constructs the handlers in front of the publisher.
func New(opts Options) *Handlers {
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &Handlers{sink: opts.Publisher, now: now}
}

// Stats snapshots the per-family counters.
func (h *Handlers) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		User:    h.user.Load(),
		Clan:    h.clan.Load(),
		Voting:  h.voting.Load(),
		Content: h.content.Load(),
		System:  h.system.Load(),
	}
}

func (h *Handlers) emit(kind string, payload json.RawMessage, target protocol.TargetSpec) error {
	return h.sink.Publish(&protocol.Event{
		Kind:      kind,
		Payload:   payload,
		EmittedAt: h.now(),
		Target:    target,
	})
}

// UserEvent is a backend event about a single user.
type UserEvent struct {
	Kind    string          `json:"kind"`
	UserID  string          `json:"userId"`
	ClanID  string          `json:"clanId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleUser targets the user's own connections. Achievement unlocks and
// level ups additionally fan a derived copy out to the user's clan room.
func (h *Handlers) HandleUser(event UserEvent) error {
	if h == nil || event.Kind == "" || event.UserID == "" {
		return ErrBadEvent
	}
	h.user.Add(1)
	if err := h.emit(event.Kind, event.Payload, protocol.TargetUser(event.UserID)); err != nil {
		return err
	}
	if event.ClanID == "" {
		return nil
	}
	switch event.Kind {
	case KindAchievementUnlock, KindLevelUp:
		return h.emit(event.Kind, event.Payload, protocol.TargetRoom("clan:"+event.ClanID))
	}
	return nil
}

// RankChange reports one user's leaderboard movement.
type RankChange struct {
	UserID string `json:"userId"`
	Delta  int    `json:"delta"`
}

// ClanEvent is a backend event about a clan.
type ClanEvent struct {
	Kind        string          `json:"kind"`
	ClanID      string          `json:"clanId"`
	UserID      string          `json:"userId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RankChanges []RankChange    `json:"rankChanges,omitempty"`
}

// HandleClan targets the clan room. Member joins additionally welcome the
// new member directly; leaderboard updates notify users whose rank moved
// significantly.
func (h *Handlers) HandleClan(event ClanEvent) error {
	if h == nil || event.Kind == "" || event.ClanID == "" {
		return ErrBadEvent
	}
	h.clan.Add(1)
	room := protocol.TargetRoom("clan:" + event.ClanID)
	if err := h.emit(event.Kind, event.Payload, room); err != nil {
		return err
	}

	if event.Kind == KindMemberJoined && event.UserID != "" {
		welcome, _ := json.Marshal(map[string]string{"clanId": event.ClanID})
		if err := h.emit(KindClanWelcome, welcome, protocol.TargetUser(event.UserID)); err != nil {
			return err
		}
	}

	if event.Kind == KindLeaderboardUpdated {
		var affected []string
		for _, change := range event.RankChanges {
			if change.Delta >= significantRankDelta || change.Delta <= -significantRankDelta {
				affected = append(affected, change.UserID)
			}
		}
		if len(affected) > 0 {
			return h.emit(event.Kind, event.Payload, protocol.TargetUsers(affected...))
		}
	}
	return nil
}

// VotingEvent is a backend event about a governance proposal.
type VotingEvent struct {
	Kind       string          `json:"kind"`
	ProposalID string          `json:"proposalId"`
	VoterID    string          `json:"voterId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// HandleVoting targets the proposal room and acknowledges the voter
// personally for vote casts.
func (h *Handlers) HandleVoting(event VotingEvent) error {
	if h == nil || event.Kind == "" || event.ProposalID == "" {
		return ErrBadEvent
	}
	h.voting.Add(1)
	room := protocol.TargetRoom("voting:" + event.ProposalID)
	if err := h.emit(event.Kind, event.Payload, room); err != nil {
		return err
	}
	if event.Kind == KindVoteCast && event.VoterID != "" {
		ack, _ := json.Marshal(map[string]string{"proposalId": event.ProposalID})
		return h.emit(KindVoteAck, ack, protocol.TargetUser(event.VoterID))
	}
	return nil
}

// ContentEvent is a backend event about a piece of user content.
type ContentEvent struct {
	Kind      string          `json:"kind"`
	ContentID string          `json:"contentId"`
	CreatorID string          `json:"creatorId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HandleContent targets the content room; reward notifications reach the
// creator directly.
func (h *Handlers) HandleContent(event ContentEvent) error {
	if h == nil || event.Kind == "" || event.ContentID == "" {
		return ErrBadEvent
	}
	h.content.Add(1)
	room := protocol.TargetRoom("content:" + event.ContentID)
	if err := h.emit(event.Kind, event.Payload, room); err != nil {
		return err
	}
	if event.Kind == KindContentReward {
		if event.CreatorID == "" {
			return fmt.Errorf("%w: reward without creator", ErrBadEvent)
		}
		return h.emit(event.Kind, event.Payload, protocol.TargetUser(event.CreatorID))
	}
	return nil
}

// SystemEvent is an operational event: broadcast alerts or per-user
// feedback.
type SystemEvent struct {
	Kind    string          `json:"kind"`
	UserID  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleSystem broadcasts alerts globally; events naming a user go to that
// user only.
func (h *Handlers) HandleSystem(event SystemEvent) error {
	if h == nil || event.Kind == "" {
		return ErrBadEvent
	}
	h.system.Add(1)
	if event.UserID != "" {
		return h.emit(event.Kind, event.Payload, protocol.TargetUser(event.UserID))
	}
	return h.emit(event.Kind, event.Payload, protocol.TargetGlobal())
}
