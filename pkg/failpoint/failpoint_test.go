package failpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireNoHookIsNoop(t *testing.T) {
	require.NoError(t, Fire(LedgerAfterInsertBeforeOutboxDone))
}

func TestSetFireClear(t *testing.T) {
	t.Cleanup(Reset)

	boom := errors.New("injected")
	Set(MonthCloseAfterPayouts, func() error { return boom })

	err := Fire(MonthCloseAfterPayouts)
	assert.ErrorIs(t, err, boom)

	Clear(MonthCloseAfterPayouts)
	assert.NoError(t, Fire(MonthCloseAfterPayouts))
}

func TestHookFiresOnce(t *testing.T) {
	t.Cleanup(Reset)

	calls := 0
	Set(FinancePackAfterZipStore, func() error {
		calls++
		if calls == 1 {
			return errors.New("first call crashes")
		}
		return nil
	})

	assert.Error(t, Fire(FinancePackAfterZipStore))
	assert.NoError(t, Fire(FinancePackAfterZipStore))
	assert.Equal(t, 2, calls)
}
