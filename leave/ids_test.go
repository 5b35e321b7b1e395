package leave_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-ledger/leave"
)

func TestParseEmployeeID_RejectsPoisonedValues(t *testing.T) {
	for _, raw := range []string{"", "   ", "null", "NULL", "undefined", "None", "nan", "[object Object]", "emp 1", "emp\t1", strings.Repeat("x", 129)} {
		t.Run(raw, func(t *testing.T) {
			_, err := leave.ParseEmployeeID(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, leave.ErrInvalidRequest)
			var ve *leave.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "employee_id", ve.Field)
		})
	}
}

func TestParseEmployeeID_TrimsSurroundingSpace(t *testing.T) {
	id, err := leave.ParseEmployeeID("  64f1c2ab9e  ")
	require.NoError(t, err)
	assert.Equal(t, leave.EmployeeID("64f1c2ab9e"), id)
}

func TestParseLeaveType_NormalizesCase(t *testing.T) {
	lt, err := leave.ParseLeaveType("Earned")
	require.NoError(t, err)
	assert.Equal(t, leave.LeaveType("earned"), lt)

	_, err = leave.ParseLeaveType("9lives")
	assert.ErrorIs(t, err, leave.ErrInvalidRequest)
	_, err = leave.ParseLeaveType("earned/leave")
	assert.ErrorIs(t, err, leave.ErrInvalidRequest)
}

func TestNewAccount_ValidatesEveryPart(t *testing.T) {
	a, err := leave.NewAccount("acme", "emp-1", "SICK")
	require.NoError(t, err)
	assert.Equal(t, "acme/emp-1/sick", a.String())
	assert.NoError(t, a.Validate())

	_, err = leave.NewAccount("undefined", "emp-1", "sick")
	assert.ErrorIs(t, err, leave.ErrInvalidRequest)

	bad := leave.Account{Tenant: "acme", Employee: "emp-1", Type: "Sick"}
	assert.ErrorIs(t, bad.Validate(), leave.ErrInvalidRequest)
}
