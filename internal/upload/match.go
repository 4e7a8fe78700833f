package upload

import (
	"github.com/tidwall/gjson"
)

// readyStatus is the game status Leetify reports once a demo has been
// parsed and its match page is available.
const readyStatus = "ready"

// Upload describes a demo Leetify has finished processing.
type Upload struct {
	// ID identifies the upload record and is what gets persisted.
	ID       string
	GameID   string
	FileName string
	MapName  string
	// TeamScores is ordered as Leetify reports it: index 0 is the
	// Counter-Terrorist side, index 1 the Terrorist side.
	TeamScores []int
}

// Match scans a status payload (a JSON array of upload records) for an
// entry whose fileName equals fileName and whose game status is ready.
// Every entry is considered, not just the first. Payloads that are not
// JSON arrays never match.
func Match(payload []byte, fileName string) (Upload, bool) {
	if !gjson.ValidBytes(payload) {
		return Upload{}, false
	}

	root := gjson.ParseBytes(payload)
	if !root.IsArray() {
		return Upload{}, false
	}

	var (
		found Upload
		ok    bool
	)

	root.ForEach(func(_, entry gjson.Result) bool {
		if entry.Get("fileName").String() != fileName {
			return true
		}

		if entry.Get("game.status").String() != readyStatus {
			return true
		}

		found = fromEntry(entry)
		ok = true

		return false
	})

	return found, ok
}

func fromEntry(entry gjson.Result) Upload {
	gameID := entry.Get("gameId").String()
	if gameID == "" {
		gameID = entry.Get("game.id").String()
	}

	id := entry.Get("id").String()
	if id == "" {
		id = gameID
	}

	var scores []int
	for _, s := range entry.Get("game.teamScores").Array() {
		scores = append(scores, int(s.Int()))
	}

	mapName := entry.Get("game.mapName").String()
	if mapName == "" {
		mapName = entry.Get("game.gameMap.name").String()
	}

	return Upload{
		ID:         id,
		GameID:     gameID,
		FileName:   entry.Get("fileName").String(),
		MapName:    mapName,
		TeamScores: scores,
	}
}
