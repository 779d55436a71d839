package expand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIntrospector returns canned binary info and counts queries.
type fakeIntrospector struct {
	infos map[string]*BinaryInfo
	calls map[string]int
}

func newFakeIntrospector() *fakeIntrospector {
	return &fakeIntrospector{
		infos: map[string]*BinaryInfo{
			"qemu-a": {
				Machines:     []string{"none", "pc"},
				UserDevices:  []string{"e1000", "virtio-net-pci"},
				CPUModels:    []string{"qemu64"},
				KVMAvailable: true,
			},
			"qemu-b": {
				Machines:     []string{"virt"},
				UserDevices:  []string{"virtio-blk-device"},
				CPUModels:    []string{"cortex-a53", "max"},
				KVMAvailable: false,
			},
		},
		calls: map[string]int{},
	}
}

func (f *fakeIntrospector) Introspect(binary string) (*BinaryInfo, error) {
	f.calls[binary]++
	info, ok := f.infos[binary]
	if !ok {
		return nil, &VariableNotSetError{Name: binary}
	}
	return info, nil
}

func collectCases(t *testing.T, stream CaseStream) []Case {
	t.Helper()
	var cases []Case
	for tc, err := range stream {
		require.NoError(t, err)
		cases = append(cases, tc)
	}
	return cases
}

func TestEnumerateCasesIndependentVariables(t *testing.T) {
	e := NewEnumerator(nil)
	e.SetValues("A", []interface{}{"1", "2"})
	e.SetValues("B", []interface{}{"x", "y", "z"})

	cases := collectCases(t, e.EnumerateCases([]string{"A", "B"}))
	require.Len(t, cases, 6)

	seen := make(map[string]bool)
	for _, tc := range cases {
		key := tc["A"].(string) + "/" + tc["B"].(string)
		assert.False(t, seen[key])
		seen[key] = true
	}
}

func TestEnumerateCasesBuiltinMachine(t *testing.T) {
	intro := newFakeIntrospector()
	e := NewEnumerator(intro)
	e.SetValues(BinaryVariable, []interface{}{"qemu-a", "qemu-b"})

	cases := collectCases(t, e.EnumerateCases([]string{BinaryVariable, VarMachine}))

	// qemu-a has two machines, qemu-b has one
	require.Len(t, cases, 3)
	byBinary := map[string][]string{}
	for _, tc := range cases {
		binary := tc[BinaryVariable].(string)
		byBinary[binary] = append(byBinary[binary], tc[VarMachine].(string))
	}
	assert.Equal(t, []string{"none", "pc"}, byBinary["qemu-a"])
	assert.Equal(t, []string{"virt"}, byBinary["qemu-b"])
}

func TestEnumerateCasesAccelDependsOnKVM(t *testing.T) {
	intro := newFakeIntrospector()
	e := NewEnumerator(intro)
	e.SetValues(BinaryVariable, []interface{}{"qemu-a", "qemu-b"})

	cases := collectCases(t, e.EnumerateCases([]string{BinaryVariable, VarAccel}))

	byBinary := map[string][]string{}
	for _, tc := range cases {
		binary := tc[BinaryVariable].(string)
		byBinary[binary] = append(byBinary[binary], tc[VarAccel].(string))
	}
	assert.Equal(t, []string{"kvm", "tcg"}, byBinary["qemu-a"])
	assert.Equal(t, []string{"tcg"}, byBinary["qemu-b"])
}

func TestIntrospectionIsMemoized(t *testing.T) {
	intro := newFakeIntrospector()
	e := NewEnumerator(intro)
	e.SetValues(BinaryVariable, []interface{}{"qemu-a"})

	// MACHINE, CPU and DEVICE all hit the same binary; a second enumeration
	// run reuses the cache as well.
	collectCases(t, e.EnumerateCases([]string{BinaryVariable, VarMachine, VarCPU}))
	collectCases(t, e.EnumerateCases([]string{BinaryVariable, VarDevice}))

	assert.Equal(t, 1, intro.calls["qemu-a"])
}

func TestEnumeratorsDoNotShareCaches(t *testing.T) {
	intro := newFakeIntrospector()

	e1 := NewEnumerator(intro)
	e1.SetValues(BinaryVariable, []interface{}{"qemu-a"})
	collectCases(t, e1.EnumerateCases([]string{BinaryVariable, VarMachine}))

	e2 := NewEnumerator(intro)
	e2.SetValues(BinaryVariable, []interface{}{"qemu-a"})
	collectCases(t, e2.EnumerateCases([]string{BinaryVariable, VarMachine}))

	assert.Equal(t, 2, intro.calls["qemu-a"])
}

func TestBuiltinRequiresBinaryVariable(t *testing.T) {
	e := NewEnumerator(newFakeIntrospector())
	// QEMU is never set

	var firstErr error
	for _, err := range e.EnumerateCases([]string{VarMachine}) {
		if err != nil {
			firstErr = err
			break
		}
	}
	var notSet *VariableNotSetError
	require.ErrorAs(t, firstErr, &notSet)
	assert.Equal(t, BinaryVariable, notSet.Name)
}

func TestSetValuesOverridesBuiltin(t *testing.T) {
	intro := newFakeIntrospector()
	e := NewEnumerator(intro)
	e.SetValues(BinaryVariable, []interface{}{"qemu-a"})
	e.SetValues(VarMachine, []interface{}{"forced"})

	cases := collectCases(t, e.EnumerateCases([]string{BinaryVariable, VarMachine}))
	require.Len(t, cases, 1)
	assert.Equal(t, "forced", cases[0][VarMachine])
	// the override never queries the binary
	assert.Equal(t, 0, intro.calls["qemu-a"])
}

func TestUpdateValues(t *testing.T) {
	e := NewEnumerator(nil)
	e.UpdateValues(map[string][]interface{}{
		"A": {"1"},
		"B": {"2", "3"},
	})

	cases := collectCases(t, e.EnumerateCases([]string{"A", "B"}))
	assert.Len(t, cases, 2)
}
