package realtime

import "strings"

const (
	listRoomPrefix = "list:"
	userRoomPrefix = "user:"
)

// ListRoom names the broadcast room of a list.
func ListRoom(listID string) string { return listRoomPrefix + listID }

// UserRoom names the private room every connection of a user joins at handshake.
func UserRoom(userID string) string { return userRoomPrefix + userID }

func isListRoom(room string) bool { return strings.HasPrefix(room, listRoomPrefix) }
