package session

import (
	"sort"
	"strconv"
	"strings"

	"github.com/bridgedata/bridge/internal/pgerror"
)

// State is the per-connection session configuration store. Values live in
// three layers looked up in order: transaction-local entries (SET LOCAL),
// transaction-scoped session entries (SET inside the current transaction),
// committed session entries, and finally each setting's default. A State is
// owned by exactly one connection and needs no locking.
type State struct {
	registry *Registry
	extras   map[string]Setting // extension settings created ad hoc

	committed map[string]*string
	txValues  map[string]*string // session-layer writes of the open transaction
	txLocal   map[string]*string // SET LOCAL writes of the open transaction
}

// Entry pairs a setting's metadata with its current effective value.
type Entry struct {
	Setting
	Value *string
}

// NewState creates a session state over the process-wide default registry.
func NewState() *State {
	return NewStateWithRegistry(DefaultRegistry())
}

// NewStateWithRegistry creates a session state over an injected registry.
func NewStateWithRegistry(r *Registry) *State {
	return &State{
		registry:  r,
		extras:    make(map[string]Setting),
		committed: make(map[string]*string),
		txValues:  make(map[string]*string),
		txLocal:   make(map[string]*string),
	}
}

// Get returns the setting and its effective value. Unknown core names fail
// with an unrecognized-parameter error; unknown extension names fail unless
// they were created by an earlier Set/SetLocal.
func (s *State) Get(extension, name string) (Entry, error) {
	setting, ok := s.lookup(extension, name)
	if !ok {
		return Entry{}, pgerror.UnrecognizedParameter(qualifiedName(extension, name))
	}
	return Entry{Setting: setting, Value: s.effective(setting)}, nil
}

// Show returns the effective value rendered as text, with nil shown as "".
func (s *State) Show(extension, name string) (string, error) {
	entry, err := s.Get(extension, name)
	if err != nil {
		return "", err
	}
	if entry.Value == nil {
		return "", nil
	}
	return *entry.Value, nil
}

// Set writes the session layer of the current transaction. The write becomes
// durable on Commit and is discarded on Rollback. A nil value resets the
// setting to its default. Validation happens before any layer is touched.
func (s *State) Set(extension, name string, value *string) error {
	return s.write(extension, name, value, false)
}

// SetLocal writes the transaction-local layer; the entry disappears on both
// Commit and Rollback.
func (s *State) SetLocal(extension, name string, value *string) error {
	return s.write(extension, name, value, true)
}

func (s *State) write(extension, name string, value *string, local bool) error {
	key := registryKey(extension, name)
	setting, ok := s.lookup(extension, name)
	if !ok {
		if extension == "" {
			return pgerror.UnrecognizedParameter(name)
		}
		// Extension settings may be created on the fly.
		setting = Setting{
			Extension: extension,
			Name:      name,
			Category:  "Customized Options",
			Context:   ContextUser,
			VarType:   VarTypeString,
			Source:    "session",
		}
	}

	if err := checkContext(setting); err != nil {
		return err
	}

	if value == nil {
		value = setting.DefaultValue()
	} else if err := validateValue(setting, *value); err != nil {
		return err
	}

	// Only register the ad-hoc setting once validation has passed.
	if !ok {
		s.extras[key] = setting
	}
	if local {
		s.txLocal[key] = value
	} else {
		// A plain SET supersedes an earlier SET LOCAL on the same key for
		// the rest of the transaction.
		delete(s.txLocal, key)
		s.txValues[key] = value
	}
	return nil
}

// Commit makes the transaction's session-layer writes durable and discards
// all transaction-local entries. Local entries are never merged.
func (s *State) Commit() {
	for k, v := range s.txValues {
		s.committed[k] = v
	}
	s.txValues = make(map[string]*string)
	s.txLocal = make(map[string]*string)
}

// Rollback discards both transaction layers, leaving the committed session
// layer exactly as it was before the transaction began.
func (s *State) Rollback() {
	s.txValues = make(map[string]*string)
	s.txLocal = make(map[string]*string)
}

// ResetAll reverts every setting to its default value.
func (s *State) ResetAll() {
	s.committed = make(map[string]*string)
	s.txValues = make(map[string]*string)
	s.txLocal = make(map[string]*string)
}

// GetAll returns one entry per known setting, plus every extension setting
// created during the session, sorted by qualified name. This is the snapshot
// the catalog rewriter materializes as pg_settings rows.
func (s *State) GetAll() []Entry {
	entries := make([]Entry, 0, s.registry.Len()+len(s.extras))
	for _, setting := range s.registry.All() {
		entries = append(entries, Entry{Setting: setting, Value: s.effective(setting)})
	}
	for _, setting := range s.extras {
		entries = append(entries, Entry{Setting: setting, Value: s.effective(setting)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QualifiedName() < entries[j].QualifiedName()
	})
	return entries
}

// GetBool is a best-effort read for non-critical tuning knobs: unknown names,
// unparsable values and type mismatches all yield the fallback.
func (s *State) GetBool(extension, name string, fallback bool) bool {
	entry, err := s.Get(extension, name)
	if err != nil || entry.Value == nil {
		return fallback
	}
	b, err := parseBool(*entry.Value)
	if err != nil {
		return fallback
	}
	return b
}

// GetInt is the integer counterpart of GetBool.
func (s *State) GetInt(extension, name string, fallback int64) int64 {
	entry, err := s.Get(extension, name)
	if err != nil || entry.Value == nil {
		return fallback
	}
	v, err := strconv.ParseInt(strings.TrimSpace(*entry.Value), 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// GetFloat is the floating-point counterpart of GetBool.
func (s *State) GetFloat(extension, name string, fallback float64) float64 {
	entry, err := s.Get(extension, name)
	if err != nil || entry.Value == nil {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*entry.Value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func (s *State) lookup(extension, name string) (Setting, bool) {
	if setting, ok := s.registry.Lookup(extension, name); ok {
		return setting, true
	}
	setting, ok := s.extras[registryKey(extension, name)]
	return setting, ok
}

func (s *State) effective(setting Setting) *string {
	key := registryKey(setting.Extension, setting.Name)
	if v, ok := s.txLocal[key]; ok {
		return v
	}
	if v, ok := s.txValues[key]; ok {
		return v
	}
	if v, ok := s.committed[key]; ok {
		return v
	}
	return setting.DefaultValue()
}

func checkContext(setting Setting) error {
	name := setting.QualifiedName()
	switch setting.Context {
	case ContextInternal:
		return pgerror.New(pgerror.CodeCantChangeRuntimeParam,
			"parameter %q cannot be changed", name)
	case ContextPostmaster:
		return pgerror.New(pgerror.CodeCantChangeRuntimeParam,
			"parameter %q cannot be changed without restarting the server", name)
	case ContextSighup:
		return pgerror.New(pgerror.CodeCantChangeRuntimeParam,
			"parameter %q cannot be changed now", name)
	case ContextBackend, ContextSuperuserBackend:
		return pgerror.New(pgerror.CodeCantChangeRuntimeParam,
			"parameter %q cannot be set after connection start", name)
	default:
		return nil
	}
}

func validateValue(setting Setting, value string) error {
	name := setting.QualifiedName()
	switch setting.VarType {
	case VarTypeBool:
		if _, err := parseBool(value); err != nil {
			return pgerror.RequiresBool(name)
		}
	case VarTypeInteger:
		if _, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err != nil {
			return pgerror.InvalidParameterValue(name, value)
		}
	case VarTypeReal:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return pgerror.InvalidParameterValue(name, value)
		}
	case VarTypeEnum:
		for _, allowed := range setting.EnumVals {
			if strings.EqualFold(allowed, value) {
				return nil
			}
		}
		return pgerror.InvalidEnumValue(name, value, setting.EnumVals)
	}
	return nil
}

// parseBool accepts the spellings PostgreSQL accepts for boolean settings.
func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, pgerror.New(pgerror.CodeInvalidParameterValue, "invalid Boolean value %q", value)
}

func qualifiedName(extension, name string) string {
	if extension != "" {
		return extension + "." + name
	}
	return name
}
