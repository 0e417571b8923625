package execution

import (
	"strings"

	"github.com/google/uuid"
)

func NewRecordID() string {
	return "tx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
