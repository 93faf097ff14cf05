// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package userutils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

const (
	sudoUidEnv = "SUDO_UID"
	sudoGidEnv = "SUDO_GID"
)

// InvokingUser is the account that started the tool, before any privilege escalation.
type InvokingUser struct {
	Uid int
	Gid int
}

// GetInvokingUser returns the user that ran sudo. When not run through sudo, it returns the current user.
func GetInvokingUser() (InvokingUser, error) {
	uidString, hasUid := os.LookupEnv(sudoUidEnv)
	gidString, hasGid := os.LookupEnv(sudoGidEnv)
	if !hasUid || !hasGid {
		return InvokingUser{Uid: os.Getuid(), Gid: os.Getgid()}, nil
	}

	uid, err := strconv.Atoi(uidString)
	if err != nil || uid < 0 {
		return InvokingUser{}, fmt.Errorf("invalid %s value (%s)", sudoUidEnv, uidString)
	}

	gid, err := strconv.Atoi(gidString)
	if err != nil || gid < 0 {
		return InvokingUser{}, fmt.Errorf("invalid %s value (%s)", sudoGidEnv, gidString)
	}

	return InvokingUser{Uid: uid, Gid: gid}, nil
}

// ChownToInvokingUser hands path, and everything under it when recursive is set, back to the invoking user.
func ChownToInvokingUser(path string, recursive bool) error {
	user, err := GetInvokingUser()
	if err != nil {
		return err
	}

	if !recursive {
		err = os.Lchown(path, user.Uid, user.Gid)
		if err != nil {
			return fmt.Errorf("failed to change ownership of (%s):\n%w", path, err)
		}
		return nil
	}

	err = filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		return os.Lchown(walkPath, user.Uid, user.Gid)
	})
	if err != nil {
		return fmt.Errorf("failed to change ownership of (%s):\n%w", path, err)
	}
	return nil
}
