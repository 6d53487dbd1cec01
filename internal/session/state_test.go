package session

import (
	"errors"
	"sort"
	"testing"

	"github.com/bridgedata/bridge/internal/pgerror"
)

func str(s string) *string { return &s }

func mustShow(t *testing.T, s *State, extension, name string) string {
	t.Helper()
	v, err := s.Show(extension, name)
	if err != nil {
		t.Fatalf("Show(%q, %q): %v", extension, name, err)
	}
	return v
}

func mustSet(t *testing.T, s *State, extension, name string, value *string) {
	t.Helper()
	if err := s.Set(extension, name, value); err != nil {
		t.Fatalf("Set(%q, %q): %v", extension, name, err)
	}
}

func TestInitialSetting(t *testing.T) {
	state := NewState()
	if got := mustShow(t, state, "", "client_encoding"); got != "UTF8" {
		t.Errorf("client_encoding = %q, want UTF8", got)
	}
}

func TestLocalSettingDiscardedOnCommit(t *testing.T) {
	state := NewState()

	if err := state.SetLocal("", "client_encoding", str("SQL_ASCII")); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	if got := mustShow(t, state, "", "client_encoding"); got != "SQL_ASCII" {
		t.Errorf("after SetLocal: %q, want SQL_ASCII", got)
	}

	state.Commit()
	if got := mustShow(t, state, "", "client_encoding"); got != "UTF8" {
		t.Errorf("after Commit: %q, want UTF8", got)
	}

	// A rollback clears local settings just the same.
	if err := state.SetLocal("", "client_encoding", str("SQL_ASCII")); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	state.Rollback()
	if got := mustShow(t, state, "", "client_encoding"); got != "UTF8" {
		t.Errorf("after Rollback: %q, want UTF8", got)
	}
}

func TestSessionSettingPersistsAfterCommit(t *testing.T) {
	state := NewState()
	mustSet(t, state, "", "client_encoding", str("SQL_ASCII"))
	state.Commit()
	if got := mustShow(t, state, "", "client_encoding"); got != "SQL_ASCII" {
		t.Errorf("after Commit: %q, want SQL_ASCII", got)
	}
}

func TestSessionSettingRevertsOnRollback(t *testing.T) {
	state := NewState()
	mustSet(t, state, "", "client_encoding", str("SQL_ASCII"))
	if got := mustShow(t, state, "", "client_encoding"); got != "SQL_ASCII" {
		t.Errorf("before Rollback: %q, want SQL_ASCII", got)
	}
	state.Rollback()
	if got := mustShow(t, state, "", "client_encoding"); got != "UTF8" {
		t.Errorf("after Rollback: %q, want UTF8", got)
	}
}

func TestSessionSettingHiddenBehindLocalSetting(t *testing.T) {
	state := NewState()

	mustSet(t, state, "", "application_name", str("my-app"))
	if err := state.SetLocal("", "application_name", str("local-app")); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	if got := mustShow(t, state, "", "application_name"); got != "local-app" {
		t.Errorf("local layer should win: %q, want local-app", got)
	}

	// The session value set before the local override is what commits.
	state.Commit()
	if got := mustShow(t, state, "", "application_name"); got != "my-app" {
		t.Errorf("after Commit: %q, want my-app", got)
	}
}

func TestSessionSettingHiddenBehindLocalSettingRollback(t *testing.T) {
	state := NewState()

	mustSet(t, state, "", "application_name", str("my-app"))
	if err := state.SetLocal("", "application_name", str("local-app")); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	state.Rollback()

	entry, err := state.Get("", "application_name")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Value != nil {
		t.Errorf("after Rollback application_name = %q, want unset", *entry.Value)
	}
}

func TestOverwriteLocalSetting(t *testing.T) {
	state := NewState()

	if err := state.SetLocal("", "application_name", str("local-app1")); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	if err := state.SetLocal("", "application_name", str("local-app2")); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	if got := mustShow(t, state, "", "application_name"); got != "local-app2" {
		t.Errorf("second SetLocal should win: %q", got)
	}

	// A later SET overrides an earlier SET LOCAL for the rest of the transaction.
	mustSet(t, state, "", "application_name", str("my-app"))
	if got := mustShow(t, state, "", "application_name"); got != "my-app" {
		t.Errorf("SET after SET LOCAL: %q, want my-app", got)
	}
	state.Commit()
	if got := mustShow(t, state, "", "application_name"); got != "my-app" {
		t.Errorf("after Commit: %q, want my-app", got)
	}
}

func TestUnknownCoreParameter(t *testing.T) {
	state := NewState()

	_, err := state.Get("", "some_random_setting")
	if err == nil {
		t.Fatal("Get of unknown core parameter should fail")
	}
	if got := err.Error(); got != `unrecognized configuration parameter "some_random_setting"` {
		t.Errorf("unexpected message: %q", got)
	}
	if pgerror.From(err).Code != pgerror.CodeUndefinedObject {
		t.Errorf("code = %q, want %q", pgerror.From(err).Code, pgerror.CodeUndefinedObject)
	}

	if err := state.Set("", "some_random_setting", str("value")); err == nil {
		t.Fatal("Set of unknown core parameter should fail")
	}
}

func TestUnknownExtensionParameter(t *testing.T) {
	state := NewState()

	_, err := state.Get("some_extension", "some_random_setting")
	if err == nil {
		t.Fatal("Get of never-set extension parameter should fail")
	}
	if got := err.Error(); got != `unrecognized configuration parameter "some_extension.some_random_setting"` {
		t.Errorf("unexpected message: %q", got)
	}

	// Setting an unknown extension parameter creates it ad hoc.
	mustSet(t, state, "some_extension", "some_random_setting", str("my value"))
	if got := mustShow(t, state, "some_extension", "some_random_setting"); got != "my value" {
		t.Errorf("round-trip = %q, want 'my value'", got)
	}
}

func TestBoolValidation(t *testing.T) {
	state := NewState()

	for _, v := range []string{"on", "off", "true", "False", "yes", "no", "1", "0"} {
		if err := state.Set("", "check_function_bodies", str(v)); err != nil {
			t.Errorf("Set(check_function_bodies, %q): %v", v, err)
		}
	}

	err := state.Set("", "check_function_bodies", str("random_value"))
	if err == nil {
		t.Fatal("invalid boolean should fail")
	}
	if got := err.Error(); got != `parameter "check_function_bodies" requires a Boolean value` {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestIntegerValidation(t *testing.T) {
	state := NewState()

	mustSet(t, state, "", "effective_cache_size", str("10000"))
	if got := mustShow(t, state, "", "effective_cache_size"); got != "10000" {
		t.Errorf("effective_cache_size = %q, want 10000", got)
	}

	err := state.Set("", "effective_cache_size", str("random_value"))
	if err == nil {
		t.Fatal("invalid integer should fail")
	}
	if got := err.Error(); got != `invalid value for parameter "effective_cache_size": "random_value"` {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestRealValidation(t *testing.T) {
	state := NewState()

	mustSet(t, state, "", "cpu_tuple_cost", str("0.02"))
	if got := mustShow(t, state, "", "cpu_tuple_cost"); got != "0.02" {
		t.Errorf("cpu_tuple_cost = %q, want 0.02", got)
	}

	if err := state.Set("", "cpu_tuple_cost", str("random_value")); err == nil {
		t.Fatal("invalid real should fail")
	}
}

func TestEnumValidation(t *testing.T) {
	state := NewState()

	mustSet(t, state, "", "bytea_output", str("hex"))
	mustSet(t, state, "", "bytea_output", str("escape"))

	err := state.Set("", "bytea_output", str("random_value"))
	if err == nil {
		t.Fatal("invalid enum should fail")
	}
	pgErr := pgerror.From(err)
	if pgErr.Message != `invalid value for parameter "bytea_output": "random_value"` {
		t.Errorf("unexpected message: %q", pgErr.Message)
	}
	if pgErr.Hint != "Available values: escape, hex." {
		t.Errorf("unexpected hint: %q", pgErr.Hint)
	}
}

func TestEnumCaseInsensitive(t *testing.T) {
	state := NewState()

	// Accepted values are matched case-insensitively.
	mustSet(t, state, "bridge", "copy_commit_priority", str("Low"))
	if got := mustShow(t, state, "bridge", "copy_commit_priority"); got != "Low" {
		t.Errorf("copy_commit_priority = %q, want Low", got)
	}

	err := state.Set("bridge", "copy_commit_priority", str("foo"))
	if err == nil {
		t.Fatal("invalid enum should fail")
	}
	pgErr := pgerror.From(err)
	if pgErr.Message != `invalid value for parameter "bridge.copy_commit_priority": "foo"` {
		t.Errorf("unexpected message: %q", pgErr.Message)
	}
	if pgErr.Hint != "Available values: low, medium, high." {
		t.Errorf("unexpected hint: %q", pgErr.Hint)
	}
}

func TestContextEnforcement(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		message string
	}{
		{"segment_size", "100", `parameter "segment_size" cannot be changed`},
		{"shared_buffers", "100", `parameter "shared_buffers" cannot be changed without restarting the server`},
		{"ssl", "off", `parameter "ssl" cannot be changed now`},
		{"jit_debugging_support", "off", `parameter "jit_debugging_support" cannot be set after connection start`},
		{"post_auth_delay", "100", `parameter "post_auth_delay" cannot be set after connection start`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewState()
			err := state.Set("", tt.name, str(tt.value))
			if err == nil {
				t.Fatalf("Set(%s) should fail", tt.name)
			}
			if err.Error() != tt.message {
				t.Errorf("message = %q, want %q", err.Error(), tt.message)
			}
			var pgErr *pgerror.Error
			if !errors.As(err, &pgErr) || pgErr.Code != pgerror.CodeCantChangeRuntimeParam {
				t.Errorf("expected SQLSTATE %s", pgerror.CodeCantChangeRuntimeParam)
			}
		})
	}
}

func TestContextCheckedBeforeValue(t *testing.T) {
	state := NewState()
	// Even a valid value must fail for a non-settable context.
	err := state.Set("", "max_index_keys", str("16"))
	if err == nil {
		t.Fatal("internal parameter should never be settable")
	}
}

func TestSetNilResetsToDefault(t *testing.T) {
	state := NewState()

	mustSet(t, state, "", "search_path", str("my_schema"))
	state.Commit()
	if got := mustShow(t, state, "", "search_path"); got != "my_schema" {
		t.Errorf("search_path = %q, want my_schema", got)
	}

	mustSet(t, state, "", "search_path", nil)
	if got := mustShow(t, state, "", "search_path"); got != "public" {
		t.Errorf("after reset: %q, want public", got)
	}
}

func TestResetAll(t *testing.T) {
	state := NewState()

	mustSet(t, state, "", "application_name", str("my-app"))
	state.Commit()
	if got := mustShow(t, state, "", "application_name"); got != "my-app" {
		t.Errorf("application_name = %q, want my-app", got)
	}

	state.ResetAll()
	entry, err := state.Get("", "application_name")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Value != nil {
		t.Errorf("after ResetAll application_name = %q, want unset", *entry.Value)
	}
}

func TestGetAll(t *testing.T) {
	state := NewState()
	base := len(state.GetAll())
	if base != DefaultRegistry().Len() {
		t.Errorf("GetAll() returned %d entries, want %d", base, DefaultRegistry().Len())
	}

	mustSet(t, state, "", "application_name", str("my-app"))
	if err := state.SetLocal("", "client_encoding", str("my-encoding")); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	mustSet(t, state, "bridge", "custom_session_setting", str("value1"))
	if err := state.SetLocal("bridge", "custom_local_setting", str("value2")); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}

	all := state.GetAll()
	if len(all) != base+2 {
		t.Fatalf("GetAll() returned %d entries, want %d", len(all), base+2)
	}

	want := map[string]string{
		"application_name":              "my-app",
		"client_encoding":               "my-encoding",
		"bridge.custom_session_setting": "value1",
		"bridge.custom_local_setting":   "value2",
	}
	for _, entry := range all {
		expected, ok := want[entry.QualifiedName()]
		if !ok {
			continue
		}
		if entry.Value == nil || *entry.Value != expected {
			t.Errorf("%s = %v, want %q", entry.QualifiedName(), entry.Value, expected)
		}
	}

	names := make([]string, len(all))
	for i, entry := range all {
		names[i] = entry.QualifiedName()
	}
	if !sort.StringsAreSorted(names) {
		t.Error("GetAll() entries are not sorted by name")
	}
}

func TestTypedAccessors(t *testing.T) {
	state := NewState()

	if state.GetBool("bridge", "unknown_setting", false) {
		t.Error("GetBool should return fallback for unknown setting")
	}
	if !state.GetBool("bridge", "unknown_setting", true) {
		t.Error("GetBool should return fallback for unknown setting")
	}

	mustSet(t, state, "bridge", "custom_setting", str("on"))
	if !state.GetBool("bridge", "custom_setting", false) {
		t.Error("GetBool should parse 'on'")
	}
	mustSet(t, state, "bridge", "custom_setting", str("foo"))
	if state.GetBool("bridge", "custom_setting", false) {
		t.Error("GetBool should fall back on parse failure")
	}

	if got := state.GetInt("bridge", "unknown_int", 100); got != 100 {
		t.Errorf("GetInt fallback = %d, want 100", got)
	}
	mustSet(t, state, "bridge", "custom_int", str("-200"))
	if got := state.GetInt("bridge", "custom_int", 100); got != -200 {
		t.Errorf("GetInt = %d, want -200", got)
	}

	if got := state.GetFloat("bridge", "unknown_float", 1.1); got != 1.1 {
		t.Errorf("GetFloat fallback = %v, want 1.1", got)
	}
	mustSet(t, state, "bridge", "custom_float", str("-2.9"))
	if got := state.GetFloat("bridge", "custom_float", 1.5); got != -2.9 {
		t.Errorf("GetFloat = %v, want -2.9", got)
	}
}

func TestInjectedRegistry(t *testing.T) {
	registry := NewRegistry([]Setting{
		{Name: "replace_tables", Extension: "bridge", Context: ContextUser,
			VarType: VarTypeBool, BootVal: str("off")},
	})
	state := NewStateWithRegistry(registry)

	if state.GetBool("bridge", "replace_tables", true) {
		t.Error("boot value should be off")
	}
	mustSet(t, state, "bridge", "replace_tables", nil)
	if state.GetBool("bridge", "replace_tables", true) {
		t.Error("reset should fall back to boot value off")
	}
}
