//go:build !unix

package handlers

import "os"

func fileOwnerUID(info os.FileInfo) int { return -1 }

func fileOwnerGID(info os.FileInfo) int { return -1 }
