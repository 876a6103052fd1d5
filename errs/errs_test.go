package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(ErrUnknownUnit, "unit %s", "U1")
	assert.ErrorIs(t, err, ErrUnknownUnit)
	assert.NotErrorIs(t, err, ErrNotFound)

	wrapped := fmt.Errorf("select unit: %w", err)
	assert.ErrorIs(t, wrapped, ErrUnknownUnit)
	assert.Equal(t, CodeUnknownUnit, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "ENTITY_NOT_FOUND: Entity does not exist", ErrNotFound.Error())
	assert.Equal(t,
		"LEDGER_UNAVAILABLE: Ledger is unavailable (connection refused)",
		New(ErrLedgerUnavailable, "connection refused").Error())
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{ErrUnrecognizedTag, ClassInput},
		{ErrUnresolvedComponent, ClassInput},
		{ErrUnitFinalized, ClassInput},
		{ErrUnitBusy, ClassInput},
		{ErrWorkbenchBusy, ClassProtocol},
		{ErrIncompleteOperation, ClassProtocol},
		{ErrNotFound, ClassProtocol},
		{ErrStorageUnavailable, ClassExternal},
		{fmt.Errorf("post: %w", ErrLedgerUnavailable), ClassExternal},
		{ErrAnchoringFailed, ClassPermanent},
		{errors.New("disk full"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
	assert.Equal(t, "permanent", ClassPermanent.String())
}
