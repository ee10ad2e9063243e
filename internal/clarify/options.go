package clarify

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/CalWeave/CalWeave/internal/models"
)

// optionIDPrefix versions the self-describing option identifier format.
const optionIDPrefix = "cw1"

// DecodedOption is the result of decoding a self-describing option ID. The
// Value is a hint only; callers must re-validate it against the live
// InteractivePrompt record before trusting it.
type DecodedOption struct {
	PendingIntentID string
	Field           string
	Index           int
	Value           string
}

// EncodeOptionID builds a self-describing option identifier carrying the
// pending intent, field key, option index, and hex-encoded option value, so a
// later inbound tap can be routed without a prior lookup.
func EncodeOptionID(pendingIntentID, field string, index int, value string) string {
	return fmt.Sprintf("%s.%s.%s.%d.%s", optionIDPrefix, pendingIntentID, field, index, hex.EncodeToString([]byte(value)))
}

// DecodeOptionID parses an option identifier produced by EncodeOptionID.
func DecodeOptionID(id string) (*DecodedOption, error) {
	parts := strings.Split(id, ".")
	if len(parts) != 5 || parts[0] != optionIDPrefix {
		return nil, models.ErrInvalidOptionID
	}

	index, err := strconv.Atoi(parts[3])
	if err != nil || index < 0 {
		return nil, models.ErrInvalidOptionID
	}

	value, err := hex.DecodeString(parts[4])
	if err != nil {
		return nil, models.ErrInvalidOptionID
	}

	return &DecodedOption{
		PendingIntentID: parts[1],
		Field:           parts[2],
		Index:           index,
		Value:           string(value),
	}, nil
}
