package compile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	kilnerrors "kiln/internal/errors"
	"kiln/internal/logging"
)

// TransactionalManager backs up class files before deleting them and
// restores the backups if the build fails or is cancelled, so a broken
// build never leaves a mix of old and new class files behind.
type TransactionalManager struct {
	backupDir string
	logger    *logging.Logger

	mu        sync.Mutex
	moved     map[string]string // original path -> backup path
	generated []string
	seq       int
	completed bool
}

// NewTransactionalManager creates a manager that stages doomed files
// under backupDir until Complete decides their fate.
func NewTransactionalManager(backupDir string, logger *logging.Logger) *TransactionalManager {
	return &TransactionalManager{
		backupDir: backupDir,
		logger:    logger,
		moved:     make(map[string]string),
	}
}

// Delete moves existing files into the backup area. Missing files are
// skipped; deleting a product that was never written is normal for
// sources that stopped generating it.
func (m *TransactionalManager) Delete(files []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if _, ok := m.moved[f]; ok {
			continue
		}
		backup := filepath.Join(m.backupDir, fmt.Sprintf("%d_%s", m.seq, filepath.Base(f)))
		m.seq++
		if err := os.Rename(f, backup); err != nil {
			return fmt.Errorf("failed to back up %s: %w", f, err)
		}
		m.moved[f] = backup
	}
	return nil
}

// Generated registers files written this cycle for rollback.
func (m *TransactionalManager) Generated(files []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generated = append(m.generated, files...)
	return nil
}

// Complete commits (success) or rolls back (failure). Calling it more
// than once is a contract violation: the driver owns the single call.
func (m *TransactionalManager) Complete(success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.completed {
		return kilnerrors.New(kilnerrors.ContractViolation, "class file manager completed twice", nil)
	}
	m.completed = true

	if success {
		if err := os.RemoveAll(m.backupDir); err != nil {
			m.logger.Warn("Failed to drop class file backups", map[string]interface{}{
				"dir":   m.backupDir,
				"error": err.Error(),
			})
		}
		return nil
	}

	for _, f := range m.generated {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove generated file during rollback", map[string]interface{}{
				"file":  f,
				"error": err.Error(),
			})
		}
	}
	for original, backup := range m.moved {
		if err := os.MkdirAll(filepath.Dir(original), 0o755); err != nil {
			return fmt.Errorf("failed to restore %s: %w", original, err)
		}
		if err := os.Rename(backup, original); err != nil {
			return fmt.Errorf("failed to restore %s: %w", original, err)
		}
	}
	if err := os.RemoveAll(m.backupDir); err != nil {
		m.logger.Warn("Failed to drop backup dir after rollback", map[string]interface{}{
			"dir":   m.backupDir,
			"error": err.Error(),
		})
	}
	m.logger.Info("Rolled back generated class files", map[string]interface{}{
		"removed":  len(m.generated),
		"restored": len(m.moved),
	})
	return nil
}

// ImmediateManager deletes eagerly and cannot roll back. Clean builds
// into an empty output directory use it; there is nothing to restore.
type ImmediateManager struct{}

func (ImmediateManager) Delete(files []string) error {
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", f, err)
		}
	}
	return nil
}

func (ImmediateManager) Generated([]string) error { return nil }

func (ImmediateManager) Complete(bool) error { return nil }
