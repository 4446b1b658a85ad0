package thread

import (
	"fmt"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/extension"
	"github.com/nmxmxh/tenon/kernel/path"
)

// CreateExtensions instantiates every {addon_name, instance_name} the
// thread's group was configured with, via registry's Extension store, and
// attaches each a path table. done is invoked exactly once, with the first
// error encountered (if any), on this thread's runloop, once every instance
// has been created (or the attempt has failed) — before the on_init/on_start
// cascade, so the caller has a chance to wire each extension's routing table
// and schemas first via StartExtensions.
func (t *Thread) CreateExtensions(registry *addon.Registry, pathCfg path.TableConfig, done func(err error)) {
	_ = t.PostTask(func() {
		if err := t.Group.MarkCreatingExtensions(); err != nil {
			done(err)
			return
		}
		t.state.Store(int32(StateCreatingExtensions))

		specs := t.Group.Specs()
		if len(specs) == 0 {
			t.finishCreating(nil, pathCfg, done)
			return
		}

		remaining := len(specs)
		var firstErr error
		for _, spec := range specs {
			spec := spec
			registry.CreateInstanceAsync(addon.KindExtension, spec.AddonName, spec.InstanceName, func(_ string, instance any, err error) {
				_ = t.PostTask(func() {
					if err == nil {
						ext, ok := instance.(*extension.Extension)
						if !ok {
							err = fmt.Errorf("thread: addon %q did not produce an *extension.Extension", spec.AddonName)
						} else {
							ext.InitPathTable(path.NewTable(pathCfg, t.logger, t.onInPathTimeout))
							t.Group.AddExtension(ext)
						}
					}
					if err != nil && firstErr == nil {
						firstErr = err
					}
					remaining--
					if remaining == 0 {
						t.finishCreating(firstErr, pathCfg, done)
					}
				})
			})
		}
	})
}

func (t *Thread) finishCreating(err error, pathCfg path.TableConfig, done func(err error)) {
	if err != nil {
		done(err)
		return
	}
	if err := t.Group.MarkExtensionsCreated(); err != nil {
		done(err)
		return
	}
	t.state.Store(int32(StateNormal))
	done(nil)
}

// StartExtensions cascades on_init -> on_start across every living
// extension of the thread's group, in registration order, invoking done once
// every extension has either reported StartDone or failed: done(nil) if none
// failed, otherwise done with the first failure.
// Must be called on the thread's runloop.
func (t *Thread) StartExtensions(done func(err error)) {
	if err := t.Group.MarkStarting(); err != nil {
		done(err)
		return
	}

	exts := t.Group.Extensions()
	if len(exts) == 0 {
		_ = t.Group.MarkStarted()
		done(nil)
		return
	}

	remaining := len(exts)
	var firstErr error
	finalize := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		remaining--
		if remaining == 0 {
			if firstErr == nil {
				_ = t.Group.MarkStarted()
			}
			done(firstErr)
		}
	}

	for _, ext := range exts {
		ext := ext
		env := t.envFor(ext)
		ext.AfterTransition = func(to extension.State) {
			switch to {
			case extension.StateInitDone:
				if err := ext.Start(env); err != nil {
					finalize(err)
				}
			case extension.StateStartDone:
				finalize(nil)
			}
		}
		if err := ext.Init(env); err != nil {
			finalize(err)
		}
	}
}

// StopExtensions cascades on_stop -> on_deinit across every living extension
// of the thread's group, in registration order, invoking done(nil) once
// every extension reports Deinited. Must be called on the thread's runloop.
func (t *Thread) StopExtensions(done func(err error)) {
	if err := t.Group.MarkStopping(); err != nil {
		done(err)
		return
	}

	exts := t.Group.Extensions()
	if len(exts) == 0 {
		_ = t.Group.MarkStopped()
		_ = t.Group.MarkDeiniting()
		_ = t.Group.MarkDeinited()
		done(nil)
		return
	}

	remaining := len(exts)
	var firstErr error
	finalize := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		remaining--
		if remaining == 0 {
			if firstErr == nil {
				_ = t.Group.MarkStopped()
				_ = t.Group.MarkDeiniting()
				_ = t.Group.MarkDeinited()
			}
			done(firstErr)
		}
	}

	for _, ext := range exts {
		ext := ext
		env := t.envFor(ext)
		ext.AfterTransition = func(to extension.State) {
			switch to {
			case extension.StateStopDone:
				if err := ext.Deinit(env); err != nil {
					finalize(err)
				}
			case extension.StateDeinited:
				finalize(nil)
			}
		}
		if err := ext.Stop(env); err != nil {
			finalize(err)
		}
	}
}
