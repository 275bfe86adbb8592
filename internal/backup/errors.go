package backup

import "errors"

var (
	// ErrPasswordRequired is returned when an encrypted backup is opened without a password.
	ErrPasswordRequired = errors.New("backup: password required")
	// ErrDecryptionFailed covers both a wrong password and a tampered ciphertext.
	ErrDecryptionFailed = errors.New("backup: decryption failed")
	// ErrChecksumMismatch means the payload does not match its manifest checksum.
	ErrChecksumMismatch = errors.New("backup: checksum mismatch")
	// ErrIncompatibleVersion means the backup was written by a newer schema or format.
	ErrIncompatibleVersion = errors.New("backup: incompatible version")
	// ErrInvalidBackup means the payload is not a backup envelope.
	ErrInvalidBackup = errors.New("backup: invalid backup")
	// ErrBackupNotFound is returned when a backup file does not exist.
	ErrBackupNotFound = errors.New("backup: not found")
)

// UserMessage returns guidance suitable for showing to a person.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPasswordRequired):
		return "This backup is encrypted. Enter the password used when it was created."
	case errors.Is(err, ErrDecryptionFailed):
		return "Could not decrypt the backup. Check the password and try again."
	case errors.Is(err, ErrChecksumMismatch):
		return "The backup file is corrupted and cannot be restored."
	case errors.Is(err, ErrIncompatibleVersion):
		return "This backup was created by a newer version. Update the app and try again."
	case errors.Is(err, ErrInvalidBackup):
		return "The file is not a valid backup."
	case errors.Is(err, ErrBackupNotFound):
		return "The backup file could not be found."
	default:
		return "The backup operation failed: " + err.Error()
	}
}
