package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/opengda/beamq/internal/logging"
)

// Quarantine moves a file that cannot be used into <quarantineDir>, stamped
// with the time it was set aside, and returns its new path.
func Quarantine(quarantineDir, filePath string) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dest := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dest); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dest, nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Skeleton returns the empty document for a file type.
func Skeleton(fileType string) map[string]any {
	doc := map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      fileType,
	}
	if fileType == FileTypeQueueJobs {
		doc["jobs"] = []any{}
	}
	return doc
}

// RecoverCorruptedFile quarantines filePath, then restores it from its .bak
// or, failing that, replaces it with an empty skeleton.
func RecoverCorruptedFile(quarantineDir, filePath, fileType string, logger *logging.Logger) error {
	dest, err := Quarantine(quarantineDir, filePath)
	if err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}
	logger.Warnf("quarantined corrupted file %s as %s", filePath, dest)

	err = RestoreFromBackup(filePath)
	if err == nil {
		logger.Infof("restored %s from backup", filePath)
		return nil
	}
	logger.Warnf("backup restore failed for %s: %v, writing empty skeleton", filePath, err)

	content, err := yamlv3.Marshal(Skeleton(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	return nil
}
