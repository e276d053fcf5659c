package types

import (
	"strings"

	"github.com/google/uuid"
)

// OperationIDLength is the length of the tokens minted by NewOperationID.
const OperationIDLength = 12

// NewOperationID mints a short random alphanumeric token. Operation ids
// attribute mart writes (creator_id / modifier_id) to a single handler
// invocation and double as lease ids in the pending ledger, where the
// randomness is what detects lease theft.
func NewOperationID() string {
	// A v4 UUID carries plenty of entropy; twelve hex chars keep the
	// token readable in logs and narrow in lease columns.
	u := strings.ReplaceAll(uuid.NewString(), "-", "")
	return u[:OperationIDLength]
}
