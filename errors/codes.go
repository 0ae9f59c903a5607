// Status codes returned by the littlefs engine. The values are the
// LFS_ERR_* constants from lfs.h and must not be renumbered; they cross
// the engine boundary as raw i32 results.

package errors

import (
	"fmt"
)

type Code int32

const (
	EOK          Code = 0
	EIO          Code = -5  // error during device operation
	ECORRUPT     Code = -84 // filesystem structures are corrupted
	ENOENT       Code = -2  // no directory entry
	EEXIST       Code = -17 // entry already exists
	ENOTDIR      Code = -20 // entry is not a directory
	EISDIR       Code = -21 // entry is a directory
	ENOTEMPTY    Code = -39 // directory is not empty
	EBADF        Code = -9  // bad file handle
	EFBIG        Code = -27 // file is too large
	EINVAL       Code = -22 // invalid parameter
	ENOSPC       Code = -28 // no space left on device
	ENOMEM       Code = -12 // no more memory or handles available
	ENOATTR      Code = -61 // no attribute with the requested id
	ENAMETOOLONG Code = -36 // file name is too long
)

var errorMessagesByCode map[Code]string

var ErrIOFailed = New(EIO)
var ErrCorrupted = New(ECORRUPT)
var ErrNotFound = New(ENOENT)
var ErrExists = New(EEXIST)
var ErrNotADirectory = New(ENOTDIR)
var ErrIsADirectory = New(EISDIR)
var ErrDirectoryNotEmpty = New(ENOTEMPTY)
var ErrInvalidHandle = New(EBADF)
var ErrFileTooLarge = New(EFBIG)
var ErrInvalidArgument = New(EINVAL)
var ErrNoSpaceOnDevice = New(ENOSPC)
var ErrOutOfMemory = New(ENOMEM)
var ErrNoAttribute = New(ENOATTR)
var ErrNameTooLong = New(ENAMETOOLONG)

func init() {
	errorMessagesByCode = make(map[Code]string, 16)
	errorMessagesByCode[EIO] = "Input/output error"
	errorMessagesByCode[ECORRUPT] = "Filesystem is corrupted"
	errorMessagesByCode[ENOENT] = "No such file or directory"
	errorMessagesByCode[EEXIST] = "File exists"
	errorMessagesByCode[ENOTDIR] = "Not a directory"
	errorMessagesByCode[EISDIR] = "Is a directory"
	errorMessagesByCode[ENOTEMPTY] = "Directory not empty"
	errorMessagesByCode[EBADF] = "Bad file handle"
	errorMessagesByCode[EFBIG] = "File too large"
	errorMessagesByCode[EINVAL] = "Invalid argument"
	errorMessagesByCode[ENOSPC] = "No space left on device"
	errorMessagesByCode[ENOMEM] = "Out of memory"
	errorMessagesByCode[ENOATTR] = "No such attribute"
	errorMessagesByCode[ENAMETOOLONG] = "File name too long"
}

// StrError returns the description for an engine status code. Codes the
// taxonomy doesn't know about get a generic description so an unmapped
// engine error is still reportable.
func StrError(code Code) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("Unrecognized engine error %d", int32(code))
}
