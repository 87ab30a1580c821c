package domain

type (
	RoomName string
	RoomID   string
)

// MaxRoomMembers bounds a media room: calls are strictly one-to-one.
const MaxRoomMembers = 2

type Room struct {
	ID   RoomID
	Name RoomName
}
