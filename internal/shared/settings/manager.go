package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Validator checks a module's new settings before they are stored.
type Validator func(newSettings interface{}) error

// SettingsManager holds the runtime settings. Reads are lock-free snapshots;
// Update persists the file and notifies the module's subscribers.
type SettingsManager struct {
	filePath    string
	settings    atomic.Value // *RuntimeSettings
	subscribers map[string][]ConfigurableModule
	validators  map[string]Validator
	mu          sync.RWMutex // subscribers, validators and file writes
}

// NewSettingsManager loads filePath, creating it with defaults when missing.
// An empty filePath keeps the settings in memory only.
func NewSettingsManager(filePath string) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
		validators:  make(map[string]Validator),
	}

	if filePath == "" {
		sm.settings.Store(createDefaultSettings())
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}
	return sm, nil
}

func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		log.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
		settings = createDefaultSettings()
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse settings.json: %w", err)
		}
		ensureDefaultModules(settings)
	}

	sm.settings.Store(settings)
	return nil
}

// Register subscribes module to changes of moduleKey.
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Unregister removes module from moduleKey's subscribers.
func (sm *SettingsManager) Unregister(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	subs := sm.subscribers[moduleKey]
	for i, s := range subs {
		if s == module {
			sm.subscribers[moduleKey] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SetValidator installs a check that Update runs before accepting moduleKey.
func (sm *SettingsManager) SetValidator(moduleKey string, v Validator) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.validators[moduleKey] = v
}

// Get 返回当前运行时配置的快照。Callers must not modify it.
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Update merges the JSON data into moduleKey's settings, persists the result
// and notifies subscribers asynchronously.
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	newSettings := deepCopy(sm.Get())
	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		return fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		return fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}
	if v := sm.validators[moduleKey]; v != nil {
		if err := v(targetModule); err != nil {
			return fmt.Errorf("invalid %s settings: %w", moduleKey, err)
		}
	}

	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	sm.settings.Store(newSettings)
	log.Info().Str("module", moduleKey).Msg("Runtime settings updated.")

	go sm.notify(moduleKey, targetModule)
	return nil
}

// persist writes through a temp file so a crash never leaves half a file.
func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(sm.filePath), ".settings-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), sm.filePath)
}

func (sm *SettingsManager) notify(moduleKey string, newSettings interface{}) {
	sm.mu.RLock()
	subscribers := append([]ConfigurableModule(nil), sm.subscribers[moduleKey]...)
	sm.mu.RUnlock()

	log.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update.")
	for _, sub := range subscribers {
		if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
			log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
		}
	}
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Proxy != nil {
		c := *s.Proxy
		newS.Proxy = &c
	}
	if s.Probe != nil {
		c := *s.Probe
		newS.Probe = &c
	}
	if s.Logging != nil {
		c := *s.Logging
		newS.Logging = &c
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case ModuleProxy:
		return s.Proxy
	case ModuleProbe:
		return s.Probe
	case ModuleLogging:
		return s.Logging
	default:
		return nil
	}
}
