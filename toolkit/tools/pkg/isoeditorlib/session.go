// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/file"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/logger"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/prompt"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/ptrutils"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/safechroot"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/internal/userutils"
	"github.com/openxt/oxt-iso-editor/toolkit/tools/isoeditorapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type SessionState int

const (
	SessionStateInit SessionState = iota
	SessionStateWorkspaceReady
	SessionStateEditing
	SessionStateFinalizing
	SessionStateDone
	SessionStateError
)

func (s SessionState) String() string {
	switch s {
	case SessionStateInit:
		return "INIT"
	case SessionStateWorkspaceReady:
		return "WORKSPACE_READY"
	case SessionStateEditing:
		return "EDITING"
	case SessionStateFinalizing:
		return "FINALIZING"
	case SessionStateDone:
		return "DONE"
	case SessionStateError:
		return "ERROR"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

var sessionTransitions = map[SessionState][]SessionState{
	SessionStateInit:           {SessionStateWorkspaceReady},
	SessionStateWorkspaceReady: {SessionStateEditing, SessionStateError},
	SessionStateEditing:        {SessionStateFinalizing, SessionStateError},
	SessionStateFinalizing:     {SessionStateDone, SessionStateError},
}

// sessionBackend holds the parts of a session that touch the host. Tests swap them for fakes.
type sessionBackend struct {
	mounter   Mounter
	newChroot func(rootDir string) (safechroot.ChrootInterface, error)
	checkHost bool
}

func defaultSessionBackend() sessionBackend {
	return sessionBackend{
		mounter: NewLoopMounter(),
		newChroot: func(rootDir string) (safechroot.ChrootInterface, error) {
			return safechroot.NewChroot(rootDir)
		},
		checkHost: true,
	}
}

// Session drives one editing run from preflight to cleanup.
type Session struct {
	config   *isoeditorapi.Config
	options  *IsoEditorOptions
	prompter prompt.Prompter
	backend  sessionBackend

	state     SessionState
	workspace *Workspace
	stager    *ImageStager
	manifest  *ManifestChain
	signer    *SigningService
	builder   *ImageBuilder
	ipks      *IpkInstaller
}

func NewSession(config *isoeditorapi.Config, options *IsoEditorOptions, prompter prompt.Prompter) *Session {
	return newSession(config, options, prompter, defaultSessionBackend())
}

func newSession(config *isoeditorapi.Config, options *IsoEditorOptions, prompter prompt.Prompter,
	backend sessionBackend,
) *Session {
	workspace := NewWorkspace(config.WorkDir, config.MountPoint, backend.mounter, prompter)

	return &Session{
		config:    config,
		options:   options,
		prompter:  prompter,
		backend:   backend,
		state:     SessionStateInit,
		workspace: workspace,
		stager:    NewImageStager(workspace, config.MountPoint, backend.mounter, prompter),
		manifest:  NewManifestChain(workspace.Path(PackagesDirName)),
		signer:    NewSigningService(config.SigningCertPath(), config.SigningKeyPath()),
		builder:   NewImageBuilder(config.IsoHdpfxPath, config.VolumeId),
		ipks: NewIpkInstaller(config.IpkStagingDir, ptrutils.ValueOr(config.IpkForceDepends, true),
			prompter),
	}
}

func (s *Session) State() SessionState {
	return s.state
}

// Run executes the whole session. Nothing is deleted or mounted until every preflight check has passed.
func (s *Session) Run(ctx context.Context) error {
	err := (&preflight{
		config:    s.config,
		options:   s.options,
		mounter:   s.backend.mounter,
		checkHost: s.backend.checkHost,
	}).run(ctx)
	if err != nil {
		return err
	}

	lock, err := acquireSessionLock(s.config.WorkDir)
	if err != nil {
		return err
	}
	defer releaseSessionLock(lock)

	err = s.prepareOutputDir()
	if err != nil {
		return err
	}

	err = s.workspace.Reset()
	if err != nil {
		return err
	}

	err = s.workspace.Populate(ctx, s.options.InputIsoPath)
	if err != nil {
		// Nothing has been edited yet, so there is nothing worth keeping.
		return s.cleanUp(err, s.config.DebugWorkDir)
	}
	s.transition(SessionStateWorkspaceReady)

	err = s.editLoop(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}

	s.transition(SessionStateFinalizing)

	err = s.finalize(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}

	s.transition(SessionStateDone)

	if s.config.DebugWorkDir {
		logger.Log.Infof("Preserving workdir as per debugWorkDir setting")
	}
	return s.cleanUp(nil, s.config.DebugWorkDir)
}

func (s *Session) transition(next SessionState) {
	if !slices.Contains(sessionTransitions[s.state], next) {
		panic(fmt.Sprintf("invalid session state transition (%s -> %s)", s.state, next))
	}

	logger.Log.Debugf("Session state (%s) -> (%s)", s.state, next)
	s.state = next
}

func (s *Session) prepareOutputDir() error {
	exists, err := file.PathExists(s.options.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to check output directory (%s):\n%w", s.options.OutputDir, err)
	}
	if exists {
		return nil
	}

	logger.Log.Infof("Creating output dir (%s)", s.options.OutputDir)

	err = os.MkdirAll(s.options.OutputDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create output directory (%s):\n%w", s.options.OutputDir, err)
	}

	return userutils.ChownToInvokingUser(s.options.OutputDir, false)
}

func (s *Session) editLoop(ctx context.Context) error {
	logger.Log.Infof("Note that you can edit the isolinux dir at any time: that dir is extracted to (%s)",
		s.workspace.Path("isolinux"))

	s.transition(SessionStateEditing)

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w:\n%w", ErrSessionInterrupted, ctx.Err())
		}

		choice, err := s.prompter.Select(ctx, menuTitle, menuOptions())
		if err != nil {
			return interruptedError(err)
		}

		command := menuCommands[choice]
		if command == CommandFinalize {
			return nil
		}

		err = s.runEdit(ctx, command)
		if err != nil {
			return err
		}
	}
}

func (s *Session) runEdit(ctx context.Context, command Command) error {
	name, err := command.Component()
	if err != nil {
		return err
	}

	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "edit_component")
	span.SetAttributes(
		attribute.String("component", string(name)),
	)
	defer span.End()

	component, err := ResolveComponent(name, &s.config.Components)
	if err != nil {
		return err
	}

	staged, err := s.stager.Extract(ctx, component)
	if err != nil {
		return err
	}

	if component.Kind == ComponentKindBlockImage {
		chroot, err := s.backend.newChroot(staged.EditPath)
		if err != nil {
			return err
		}

		err = s.ipks.OfferInstall(ctx, name, chroot)
		if err != nil {
			return interruptedError(err)
		}
	}

	err = s.prompter.Pause(ctx,
		fmt.Sprintf("%s rootfs extracted to %s", name, staged.EditPath),
		"make your changes in a new terminal and press [enter]",
	)
	if err != nil {
		return interruptedError(err)
	}

	err = s.stager.Repackage(ctx, staged)
	if err != nil {
		return err
	}

	if component.ManifestKey != "" {
		_, err = s.manifest.UpdateComponent(component.ManifestKey)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) finalize(ctx context.Context) error {
	_, err := s.manifest.UpdateRepository()
	if err != nil {
		return err
	}

	_, err = s.signer.Sign(ctx, s.manifest.RepositoryManifestPath())
	if err != nil {
		return err
	}

	if s.options.BuildIso() {
		err = s.builder.BuildImage(ctx, s.workspace.RootDir(),
			filepath.Join(s.options.OutputDir, OutputIsoFileName))
		if err != nil {
			return err
		}
	}

	if s.options.BuildUpdateArchive() {
		err = s.builder.BuildUpdateArchive(ctx, s.workspace.RootDir(),
			filepath.Join(s.options.OutputDir, OutputUpdateArchiveName))
		if err != nil {
			return err
		}
	}

	return nil
}

// fail moves the session to ERROR, releases any live mount and lets the operator keep the workspace. The
// clean-up question is still asked after an interrupt canceled ctx.
func (s *Session) fail(ctx context.Context, err error) error {
	s.transition(SessionStateError)
	s.stager.ReleaseAll()

	logger.Log.Errorf("Editing session failed:\n%v", err)

	preserve := s.config.DebugWorkDir
	if preserve {
		logger.Log.Infof("Preserving workdir as per debugWorkDir setting")
	} else {
		cleanUp, promptErr := s.prompter.Confirm(context.WithoutCancel(ctx), "clean up workdir?", true)
		if promptErr != nil {
			logger.Log.Warnf("No answer to clean-up prompt, preserving workdir:\n%v", promptErr)
			cleanUp = false
		}
		preserve = !cleanUp
	}

	return s.cleanUp(err, preserve)
}

func (s *Session) cleanUp(err error, preserve bool) error {
	cleanupErr := s.workspace.Destroy(preserve)
	if cleanupErr != nil {
		if err != nil {
			return fmt.Errorf("%w:\nfailed to clean-up:\n%w", err, cleanupErr)
		}
		return fmt.Errorf("failed to clean-up:\n%w", cleanupErr)
	}
	return err
}

func interruptedError(err error) error {
	if errors.Is(err, prompt.ErrInterrupted) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w:\n%w", ErrSessionInterrupted, err)
	}
	return err
}
