// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-wechaty/pkg/identitystore"
)

// RoomMapping is a provisioned Matrix room.
type RoomMapping struct {
	RoomID       id.RoomID
	Participants []id.UserID
	IsDirect     bool
}

// RoomOptions controls room creation. An empty CreatorID means the bot.
type RoomOptions struct {
	CreatorID id.UserID
	Name      string
	Topic     string
	// Group keeps the room from being flagged as direct.
	Group bool
}

// RoomProvisioner creates Matrix rooms and keeps the room mappings in the
// identity store. At most one direct room is kept per unordered user pair.
type RoomProvisioner struct {
	matrix MatrixAPI
	store  *identitystore.Store
	roles  *RoleClassifier
	log    zerolog.Logger

	inflight singleflight.Group
}

func NewRoomProvisioner(matrix MatrixAPI, store *identitystore.Store, roles *RoleClassifier, log zerolog.Logger) *RoomProvisioner {
	return &RoomProvisioner{
		matrix: matrix,
		store:  store,
		roles:  roles,
		log:    log.With().Str("component", "rooms").Logger(),
	}
}

// CreateRoom creates a private room inviting every participant except the
// creator. Rooms with at most two participants are flagged as direct.
func (rp *RoomProvisioner) CreateRoom(ctx context.Context, participants []id.UserID, opts RoomOptions) (*RoomMapping, error) {
	creator := opts.CreatorID
	if creator == "" {
		creator = rp.matrix.BotUserID()
	}
	isDirect := len(participants) <= 2 && !opts.Group

	invite := make([]id.UserID, 0, len(participants))
	for _, userID := range participants {
		if userID != creator && !slices.Contains(invite, userID) {
			invite = append(invite, userID)
		}
	}

	roomID, err := rp.matrix.CreateRoom(ctx, creator, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "trusted_private_chat",
		Name:       opts.Name,
		Topic:      opts.Topic,
		Invite:     invite,
		IsDirect:   isDirect,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	rp.log.Debug().
		Stringer("room_id", roomID).
		Stringer("creator", creator).
		Int("participants", len(participants)).
		Bool("is_direct", isDirect).
		Msg("Created room")

	return &RoomMapping{
		RoomID:       roomID,
		Participants: slices.Clone(participants),
		IsDirect:     isDirect,
	}, nil
}

// FindOrCreateDirectRoom returns the direct room between a and b, creating
// and recording one if none is known. The result does not depend on argument
// order, and concurrent calls for the same pair share one creation. The
// shared creation ignores caller cancellation.
func (rp *RoomProvisioner) FindOrCreateDirectRoom(ctx context.Context, a, b id.UserID) (*RoomMapping, error) {
	key := directPairKey(a, b)
	ctx = context.WithoutCancel(ctx)
	val, err, _ := rp.inflight.Do("direct|"+key, func() (any, error) {
		existing, err := rp.findDirectRoom(ctx, key)
		if err != nil || existing != nil {
			return existing, err
		}
		mapping, err := rp.CreateRoom(ctx, []id.UserID{a, b}, RoomOptions{
			CreatorID: rp.directCreator(a, b),
		})
		if err != nil {
			return nil, err
		}
		rp.persist(ctx, mapping, rp.directFields(key, a, b))
		return mapping, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*RoomMapping), nil
}

// RecordDirectRoom adopts an existing Matrix room as the direct room of a
// and b. If a mapping for the pair already exists it is returned unchanged.
func (rp *RoomProvisioner) RecordDirectRoom(ctx context.Context, roomID id.RoomID, a, b id.UserID) (*RoomMapping, error) {
	key := directPairKey(a, b)
	val, err, _ := rp.inflight.Do("direct|"+key, func() (any, error) {
		existing, err := rp.findDirectRoom(ctx, key)
		if err != nil || existing != nil {
			return existing, err
		}
		mapping := &RoomMapping{RoomID: roomID, Participants: []id.UserID{a, b}, IsDirect: true}
		if err := rp.put(ctx, mapping, rp.directFields(key, a, b)); err != nil {
			return nil, err
		}
		return mapping, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*RoomMapping), nil
}

// FindOrCreateGroupRoom returns the portal of a WeChat group for owner. The
// bot creates the room and invites owner; group members are added later with
// EnsureMember.
func (rp *RoomProvisioner) FindOrCreateGroupRoom(ctx context.Context, owner id.UserID, wechatRoomID, topic string) (*RoomMapping, error) {
	ctx = context.WithoutCancel(ctx)
	val, err, _ := rp.inflight.Do("group|"+groupRoomKey(owner, wechatRoomID), func() (any, error) {
		rec, err := rp.store.QueryOne(ctx, identitystore.ScopeRoom, groupRoomQuery(owner, wechatRoomID))
		if err == nil {
			return mappingFromRecord(rec), nil
		} else if !isNotFound(err) {
			return nil, err
		}
		bot := rp.matrix.BotUserID()
		mapping, err := rp.CreateRoom(ctx, []id.UserID{bot, owner}, RoomOptions{
			CreatorID: bot,
			Name:      topic,
			Group:     true,
		})
		if err != nil {
			return nil, err
		}
		rp.persist(ctx, mapping, func(rec *identitystore.Record) error {
			if err := rec.Set(recordPath(fieldRoomID), wechatRoomID); err != nil {
				return err
			}
			if err := rec.Set(recordPath(fieldTopic), topic); err != nil {
				return err
			}
			return rec.Set(recordPath(fieldOwnerID), string(owner))
		})
		return mapping, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*RoomMapping), nil
}

// RoomMembers returns the users currently joined to roomID. It always asks
// the homeserver; membership is never cached.
func (rp *RoomProvisioner) RoomMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	members, err := rp.matrix.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get members of %s: %w", roomID, err)
	}
	return members, nil
}

// EnsureMember makes userID a joined member of roomID, inviting it with the
// bot when needed. userID must be a user the bridge can act as.
func (rp *RoomProvisioner) EnsureMember(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	members, err := rp.RoomMembers(ctx, roomID)
	if err != nil {
		return err
	}
	if slices.Contains(members, userID) {
		return nil
	}
	if err := rp.matrix.InviteUser(ctx, rp.matrix.BotUserID(), roomID, userID); err != nil {
		return fmt.Errorf("failed to invite %s to %s: %w", userID, roomID, err)
	}
	if err := rp.matrix.JoinRoom(ctx, userID, roomID); err != nil {
		return fmt.Errorf("failed to join %s to %s: %w", userID, roomID, err)
	}
	return nil
}

func (rp *RoomProvisioner) findDirectRoom(ctx context.Context, key string) (*RoomMapping, error) {
	rec, err := rp.store.QueryOne(ctx, identitystore.ScopeRoom, directRoomQuery(key))
	if isNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return mappingFromRecord(rec), nil
}

// directFields records the pair key and, when exactly one side is a real
// user, that user as the room owner.
func (rp *RoomProvisioner) directFields(key string, a, b id.UserID) func(rec *identitystore.Record) error {
	return func(rec *identitystore.Record) error {
		if err := rec.Set(recordPath(fieldDirectPair), key); err != nil {
			return err
		}
		aManaged, bManaged := rp.roles.IsManaged(a), rp.roles.IsManaged(b)
		switch {
		case aManaged && !bManaged:
			return rec.Set(recordPath(fieldOwnerID), string(b))
		case bManaged && !aManaged:
			return rec.Set(recordPath(fieldOwnerID), string(a))
		}
		return nil
	}
}

// directCreator picks the side the bridge can act as, preferring a.
func (rp *RoomProvisioner) directCreator(a, b id.UserID) id.UserID {
	switch {
	case rp.roles.IsManaged(a):
		return a
	case rp.roles.IsManaged(b):
		return b
	default:
		return rp.matrix.BotUserID()
	}
}

// persist records a freshly created room. The room already exists on the
// homeserver at this point, so a failure only orphans it.
func (rp *RoomProvisioner) persist(ctx context.Context, mapping *RoomMapping, fill func(rec *identitystore.Record) error) {
	if err := rp.put(ctx, mapping, fill); err != nil {
		rp.log.Err(err).
			Stringer("room_id", mapping.RoomID).
			Msg("Failed to record created room, room is orphaned")
	}
}

func (rp *RoomProvisioner) put(ctx context.Context, mapping *RoomMapping, fill func(rec *identitystore.Record) error) error {
	rec := identitystore.NewRecord(string(mapping.RoomID))
	members := make([]string, len(mapping.Participants))
	for i, userID := range mapping.Participants {
		members[i] = string(userID)
	}
	if err := rec.Set(recordPath(fieldMembers), members); err != nil {
		return err
	}
	if err := rec.Set(recordPath(fieldDirect), mapping.IsDirect); err != nil {
		return err
	}
	if err := fill(rec); err != nil {
		return err
	}
	return rp.store.PutRoom(ctx, rec)
}

func mappingFromRecord(rec *identitystore.Record) *RoomMapping {
	mapping := &RoomMapping{
		RoomID:   id.RoomID(rec.ID),
		IsDirect: rec.Get(recordPath(fieldDirect)).Bool(),
	}
	for _, member := range rec.Get(recordPath(fieldMembers)).Array() {
		mapping.Participants = append(mapping.Participants, id.UserID(member.String()))
	}
	return mapping
}
