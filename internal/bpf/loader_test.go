package bpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckKernelVersion_CurrentHostSatisfiesFloor(t *testing.T) {
	err := checkKernelVersion(MinKernelMajor, MinKernelMinor)
	assert.NoError(t, err)
}

func TestCheckKernelVersion_RejectsImpossiblyHighFloor(t *testing.T) {
	err := checkKernelVersion(999, 0)
	assert.Error(t, err)
}
