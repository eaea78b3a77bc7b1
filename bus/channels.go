package bus

import "strings"

// Channel layout from spec §4.1.

// GameChannel returns "<prefix><gameId>".
func GameChannel(prefix, gameId string) string {
	return prefix + gameId
}

// ChunkChannel returns "<prefix><gameId>:chunk:<chunkId>".
func ChunkChannel(prefix, gameId, chunkId string) string {
	return prefix + gameId + ":chunk:" + chunkId
}

func gameChunkPrefix(prefix, gameId string) string {
	return prefix + gameId + ":chunk:"
}

// matchesAllGames reports whether channel falls under the "<prefix>*"
// pattern for this deployment's prefix.
func matchesAllGames(prefix, channel string) bool {
	return strings.HasPrefix(channel, prefix)
}

// matchesGameChunks reports whether channel falls under
// "<prefix><gameId>:chunk:*".
func matchesGameChunks(prefix, gameId, channel string) bool {
	return strings.HasPrefix(channel, gameChunkPrefix(prefix, gameId))
}

// chunkIdFromChannel extracts the ChunkId suffix of a chunk channel, or
// "" if channel is not a chunk channel for gameId.
func chunkIdFromChannel(prefix, gameId, channel string) string {
	p := gameChunkPrefix(prefix, gameId)
	if !strings.HasPrefix(channel, p) {
		return ""
	}
	return channel[len(p):]
}
