package module

import (
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

// Factory constructs a module instance. Factories run lazily on first Get
// so a broken module cannot take the daemon down at startup.
type Factory func() (Module, error)

// StatusReport summarizes the registry for /health and /modules.
type StatusReport struct {
	Loaded           []string          `json:"loaded"`
	Registered       []string          `json:"registered"`
	Failed           map[string]string `json:"failed,omitempty"`
	PlatformExcluded []string          `json:"platform_excluded,omitempty"`
}

// Registry owns the module instances and their manifests.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Module
	manifests map[string]*Manifest
	failed    map[string]error
	excluded  map[string]struct{}
	goos      string
	logger    *slog.Logger
}

// NewRegistry returns an empty registry for the current platform.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: map[string]Factory{},
		instances: map[string]Module{},
		manifests: map[string]*Manifest{},
		failed:    map[string]error{},
		excluded:  map[string]struct{}{},
		goos:      runtime.GOOS,
		logger:    logger,
	}
}

// Register records a factory under the module id. Registration is cheap;
// construction happens on first Get.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// RegisterInstance registers an already-constructed module, compiling its
// manifest schemas eagerly.
func (r *Registry) RegisterInstance(m Module) error {
	manifest := m.Manifest()
	if !manifest.SupportsPlatform(r.platform()) {
		r.mu.Lock()
		r.excluded[m.ID()] = struct{}{}
		r.mu.Unlock()
		r.logger.Info("module excluded on this platform", "module", m.ID(), "platform", r.platform())
		return nil
	}
	if err := manifest.Compile(); err != nil {
		r.mu.Lock()
		r.failed[m.ID()] = err
		r.mu.Unlock()
		return &LoadError{Module: m.ID(), Err: err}
	}
	r.mu.Lock()
	r.instances[m.ID()] = m
	r.manifests[m.ID()] = manifest
	r.mu.Unlock()
	r.logger.Info("module loaded", "module", m.ID(), "version", m.Version())
	return nil
}

// Get returns the module instance, constructing it on first use.
func (r *Registry) Get(id string) (Module, error) {
	r.mu.Lock()
	if m, ok := r.instances[id]; ok {
		r.mu.Unlock()
		return m, nil
	}
	if err, ok := r.failed[id]; ok {
		r.mu.Unlock()
		return nil, &LoadError{Module: id, Err: err}
	}
	if _, ok := r.excluded[id]; ok {
		r.mu.Unlock()
		return nil, &UnknownModuleError{Module: id}
	}
	f, ok := r.factories[id]
	r.mu.Unlock()
	if !ok {
		return nil, &UnknownModuleError{Module: id}
	}

	m, err := f()
	if err == nil {
		err = m.Manifest().Compile()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed[id] = err
		delete(r.factories, id)
		r.logger.Error("module load failed", "module", id, "error", err)
		return nil, &LoadError{Module: id, Err: err}
	}
	if !m.Manifest().SupportsPlatform(r.goos) {
		r.excluded[id] = struct{}{}
		delete(r.factories, id)
		return nil, &UnknownModuleError{Module: id}
	}
	r.instances[id] = m
	r.manifests[id] = m.Manifest()
	delete(r.factories, id)
	r.logger.Info("module loaded", "module", id, "version", m.Version())
	return m, nil
}

// Manifest returns the manifest for a loaded module without constructing
// lazy modules.
func (r *Registry) Manifest(id string) (*Manifest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[id]
	return m, ok
}

// Manifests returns manifests of all loaded modules, sorted by id.
func (r *Registry) Manifests() []*Manifest {
	r.mu.Lock()
	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Versions maps loaded module ids to their versions. Used by the
// compatibility gate.
func (r *Registry) Versions() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.instances))
	for id, m := range r.instances {
		out[id] = m.Version()
	}
	return out
}

// LoadAll eagerly constructs every registered factory. Called at startup
// so /health reflects real load state; failures are recorded, not fatal.
func (r *Registry) LoadAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_, _ = r.Get(id)
	}
}

// Status reports loaded, registered-but-unloaded, failed, and
// platform-excluded modules.
func (r *Registry) Status() StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := StatusReport{Failed: map[string]string{}}
	for id := range r.instances {
		report.Loaded = append(report.Loaded, id)
	}
	for id := range r.factories {
		report.Registered = append(report.Registered, id)
	}
	for id, err := range r.failed {
		report.Failed[id] = err.Error()
	}
	for id := range r.excluded {
		report.PlatformExcluded = append(report.PlatformExcluded, id)
	}
	sort.Strings(report.Loaded)
	sort.Strings(report.Registered)
	sort.Strings(report.PlatformExcluded)
	return report
}

// ValidatePlanParams checks every action's params against its module's
// compiled schema. Unknown modules and actions are skipped here and
// surface at dispatch time instead.
func (r *Registry) ValidatePlanParams(plan *iml.Plan) error {
	var problems []string
	for i := range plan.Actions {
		a := &plan.Actions[i]
		manifest, ok := r.Manifest(a.Module)
		if !ok {
			continue
		}
		if manifest.Action(a.Action) == nil {
			continue
		}
		if err := manifest.ValidateParams(a.Action, a.Params); err != nil {
			problems = append(problems, "action "+a.ID+": "+err.Error())
		}
	}
	if len(problems) > 0 {
		return &iml.ValidationError{Msg: "params validation failed: " + strings.Join(problems, "; ")}
	}
	return nil
}

// ContextSnippets collects context contributions from loaded modules.
func (r *Registry) ContextSnippets() []string {
	r.mu.Lock()
	instances := make([]Module, 0, len(r.instances))
	for _, m := range r.instances {
		instances = append(instances, m)
	}
	r.mu.Unlock()
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID() < instances[j].ID() })

	var out []string
	for _, m := range instances {
		if cp, ok := m.(ContextProvider); ok {
			if s := cp.ContextSnippet(); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (r *Registry) platform() string { return r.goos }
