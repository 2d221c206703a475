package node

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
	"github.com/agentbook/agentbook/internal/feedpost"
	"github.com/agentbook/agentbook/internal/rooms"
)

func openDM(recipient *cryptoid.Identity, sender *secp256k1.PublicKey, env *envelope.Envelope) ([]byte, error) {
	return feedpost.OpenDM(recipient, sender, env)
}

func openFeedPost(recipient *cryptoid.Identity, sender *secp256k1.PublicKey, env *envelope.Envelope) ([]byte, error) {
	return feedpost.OpenFeedPost(recipient, sender, env)
}

// openRoomMessage opens room's RoomMessage payload: an Open room's body
// travels in the clear, a Secure room's is sealed under the key derived by
// JoinSecure and cached in store.
func openRoomMessage(store *rooms.Store, room string, env *envelope.Envelope) ([]byte, error) {
	membership, ok := store.Current().Rooms[room]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "room not joined")
	}
	if membership.Mode == rooms.Open {
		return env.Payload, nil
	}

	key, ok := store.Key(room)
	if !ok {
		return nil, apperr.New(apperr.Unauthorized, "room passphrase required")
	}
	return feedpost.OpenSecureRoomMessage(key, env)
}
