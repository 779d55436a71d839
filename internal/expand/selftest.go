package expand

import (
	"fmt"
	"reflect"

	"qemuval/internal/template"
	"qemuval/pkg/logging"
)

// SelfTest runs internal correctness checks of the expansion engine. It is
// wired to the --self-test flag and exists so a broken build of the engine is
// caught before any external system is launched.
func SelfTest() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"template variable extraction", checkExtraction},
		{"cross-product size", checkCrossProduct},
		{"dependent expansion", checkDependentExpansion},
	}
	for _, check := range checks {
		logging.Info("SelfTest", "checking %s", check.name)
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}
	return nil
}

func checkExtraction() error {
	got := template.ExtractVariables("$A is ${A}, not ${B} or $C")
	want := []string{"A", "B", "C"}
	if !reflect.DeepEqual(got, want) {
		return fmt.Errorf("got %v, want %v", got, want)
	}
	return nil
}

func checkCrossProduct() error {
	ctx := Context{
		"A": Simple([]interface{}{1, 2}),
		"B": Simple([]interface{}{"x", "y", "z"}),
	}
	names := []string{"A", "B"}
	stream := ResolveAll(ctx, names)
	stream = flatMap(stream, func(c Context) Stream {
		return SplitAll(c, names)
	})
	cases, err := Collect(stream)
	if err != nil {
		return err
	}
	if len(cases) != 6 {
		return fmt.Errorf("got %d cases, want 6", len(cases))
	}
	return nil
}

func checkDependentExpansion() error {
	qemus := []interface{}{"qemu-system-x86_64", "qemu-system-i386"}
	machines := []interface{}{"none", "pc"}
	opts := []interface{}{"", "-machine $MACHINE"}

	ctx := Context{
		"QEMU":        TemplateValued(qemus),
		"MACHINE":     TemplateValued(machines),
		"MACHINE_OPT": TemplateValued(opts),
		"CMD":         TemplateValued([]interface{}{"$QEMU $MACHINE_OPT"}),
	}
	stream := ResolveOne(ctx, "CMD")
	stream = flatMap(stream, func(c Context) Stream {
		return Split(c, "CMD")
	})
	cases, err := Collect(stream)
	if err != nil {
		return err
	}
	// 2 binaries x (1 empty opt + 2 machine variants) = 6
	if len(cases) != 6 {
		return fmt.Errorf("got %d expansions, want 6", len(cases))
	}
	for _, c := range cases {
		cmd, err := c.Single("CMD")
		if err != nil {
			return err
		}
		if cmd == "" {
			return fmt.Errorf("empty expansion for CMD")
		}
	}
	return nil
}
