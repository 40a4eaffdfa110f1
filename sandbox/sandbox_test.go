package sandbox_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quicplug/quicplug/sandbox"
)

func TestSignatureEqual(t *testing.T) {
	a := sandbox.Signature{
		Params:  []sandbox.ValueType{sandbox.I32, sandbox.I64},
		Results: []sandbox.ValueType{sandbox.I64},
	}
	assert.True(t, a.Equal(sandbox.Signature{
		Params:  []sandbox.ValueType{sandbox.I32, sandbox.I64},
		Results: []sandbox.ValueType{sandbox.I64},
	}))
	assert.False(t, a.Equal(sandbox.Signature{
		Params:  []sandbox.ValueType{sandbox.I64, sandbox.I32},
		Results: []sandbox.ValueType{sandbox.I64},
	}))
	assert.False(t, a.Equal(sandbox.Signature{
		Params: []sandbox.ValueType{sandbox.I32, sandbox.I64},
	}))
	assert.True(t, sandbox.Signature{}.Equal(sandbox.Signature{}))
}

func TestSignatureString(t *testing.T) {
	s := sandbox.Signature{
		Params:  []sandbox.ValueType{sandbox.I32, sandbox.F64},
		Results: []sandbox.ValueType{sandbox.I64},
	}
	assert.Equal(t, "(i32, f64) -> (i64)", s.String())
	assert.Equal(t, "() -> ()", sandbox.Signature{}.String())
}
