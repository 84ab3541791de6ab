package state

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/karstchain/karst/pkg/journal"
)

// settingsNamespace is the address prefix reserved for on-chain settings.
const settingsNamespace = "000000"

// SettingAddress computes the state address holding the named setting.
func SettingAddress(key string) string {
	sum := sha256.Sum256([]byte(key))
	return settingsNamespace + hex.EncodeToString(sum[:])[:64]
}

// SettingsView resolves on-chain settings from a state view.
type SettingsView struct {
	view journal.StateView
}

// NewSettingsView wraps a state view as a settings view.
func NewSettingsView(view journal.StateView) *SettingsView {
	return &SettingsView{view: view}
}

// Setting returns the value of key, or defaultValue when it is not set.
func (s *SettingsView) Setting(key, defaultValue string) (string, error) {
	value, err := s.view.Get(SettingAddress(key))
	if err == journal.ErrAddressNotFound {
		return defaultValue, nil
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// SettingChange builds the state change that sets a setting, for use when
// committing configuration into state.
func SettingChange(key, value string) journal.StateChange {
	return journal.StateChange{Address: SettingAddress(key), Value: []byte(value)}
}

// SettingsViewFactory creates settings views by merkle root.
type SettingsViewFactory struct {
	factory *ViewFactory
}

// NewSettingsViewFactory wraps a state view factory.
func NewSettingsViewFactory(factory *ViewFactory) *SettingsViewFactory {
	return &SettingsViewFactory{factory: factory}
}

// CreateSettingsView returns a settings view at the given root.
func (f *SettingsViewFactory) CreateSettingsView(root string) (journal.SettingsView, error) {
	view, err := f.factory.CreateView(root)
	if err != nil {
		return nil, err
	}
	return NewSettingsView(view), nil
}
