// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

type IsoEditorError struct {
	name    string
	message string
}

func NewIsoEditorError(name string, message string) *IsoEditorError {
	return &IsoEditorError{
		name:    name,
		message: message,
	}
}

func (e *IsoEditorError) Name() string {
	return e.name
}

func (e *IsoEditorError) Error() string {
	return e.message
}

var (
	// Preflight errors are all raised before the workspace is touched.
	ErrSourceImageMissing      = NewIsoEditorError("Preflight:SourceImageMissing", "source ISO image does not exist")
	ErrSourceImageNotIso       = NewIsoEditorError("Preflight:SourceImageNotIso", "source image is not a readable ISO 9660 image")
	ErrSourceImageNotInstaller = NewIsoEditorError("Preflight:SourceImageNotInstaller", "source ISO image has no packages directory")
	ErrOutputNotDirectory      = NewIsoEditorError("Preflight:OutputNotDirectory", "output path exists but is not a directory")
	ErrWorkDirIsRoot           = NewIsoEditorError("Preflight:WorkDirIsRoot", "workspace directory must not be the filesystem root")
	ErrKeyPairMissing          = NewIsoEditorError("Preflight:KeyPairMissing", "signing key and certificate not found in key directory")
	ErrKeyPairUnreadable       = NewIsoEditorError("Preflight:KeyPairUnreadable", "signing key or certificate is not a readable PEM file")
	ErrIsoHdpfxMissing         = NewIsoEditorError("Preflight:IsoHdpfxMissing", "hybrid boot sector file (isohdpfx) does not exist")
	ErrMountPointBusy          = NewIsoEditorError("Preflight:MountPointBusy", "something is already mounted on the mount point")
	ErrToolNotRunAsRoot        = NewIsoEditorError("Preflight:NotRoot", "tool should be run as root (e.g. by using sudo)")
	ErrToolMissing             = NewIsoEditorError("Preflight:ToolMissing", "required host tool is not installed")
	ErrSessionLocked           = NewIsoEditorError("Preflight:SessionLocked", "another editing session is using the workspace")
	ErrInvalidOptions          = NewIsoEditorError("Preflight:InvalidOptions", "invalid command line options")
	ErrInvalidConfig           = NewIsoEditorError("Preflight:InvalidConfig", "invalid config")
)

var (
	ErrMountBusy = NewIsoEditorError("Mount:Busy", "mount point is still in use")
)

var (
	ErrComponentImageMissing   = NewIsoEditorError("Stage:ImageMissing", "component image not found in workspace")
	ErrComponentImageAmbiguous = NewIsoEditorError("Stage:ImageAmbiguous", "more than one file matches the component image")
	ErrMountAlreadyActive      = NewIsoEditorError("Stage:MountAlreadyActive", "a component is already mounted")
	ErrExtractComponent        = NewIsoEditorError("Stage:Extract", "failed to extract component")
	ErrRepackageComponent      = NewIsoEditorError("Stage:Repackage", "failed to repackage component")
)

var (
	ErrManifestNoArtifact        = NewIsoEditorError("Manifest:NoArtifact", "no package file matches the manifest key")
	ErrManifestAmbiguousArtifact = NewIsoEditorError("Manifest:AmbiguousArtifact", "more than one package file matches the manifest key")
	ErrManifestNoEntry           = NewIsoEditorError("Manifest:NoEntry", "no package manifest line matches the manifest key")
	ErrManifestMalformedEntry    = NewIsoEditorError("Manifest:MalformedEntry", "package manifest line is malformed")
	ErrManifestNoRepositoryLine  = NewIsoEditorError("Manifest:NoRepositoryLine", "repository manifest has no packages line")
)

var (
	ErrPackageInstallFailed = NewIsoEditorError("Package:InstallFailed", "unable to install ipks")
)

var (
	ErrSessionInterrupted = NewIsoEditorError("Session:Interrupted", "editing session interrupted by operator")
	ErrSign               = NewIsoEditorError("Finalize:Sign", "failed to sign repository manifest")
	ErrBuildImage         = NewIsoEditorError("Finalize:BuildImage", "failed to build ISO image")
	ErrBuildUpdateArchive = NewIsoEditorError("Finalize:BuildUpdateArchive", "failed to build update archive")
)

// GetAllIsoEditorErrors returns every named error in err's chain, outermost first.
func GetAllIsoEditorErrors(err error) []*IsoEditorError {
	var found []*IsoEditorError
	collectIsoEditorErrors(err, &found)
	return found
}

func collectIsoEditorErrors(err error, found *[]*IsoEditorError) {
	if err == nil {
		return
	}

	if named, ok := err.(*IsoEditorError); ok {
		*found = append(*found, named)
		return
	}

	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			collectIsoEditorErrors(inner, found)
		}
	case interface{ Unwrap() error }:
		collectIsoEditorErrors(x.Unwrap(), found)
	}
}
