package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pocketagent/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up or restore the config and reply log",
	}
	cmd.AddCommand(backupCreateCmd(), backupRestoreCmd())
	return cmd
}

func backupCreateCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup of PocketAgent data (reply log + config)",
		Long: `Creates a compressed .tar.gz archive containing the reply log database,
the configuration file and the selector overrides, if any. The browser profile
is not included: link the device again after restoring on a new machine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			paths := resolveDataPaths(cfgPath)

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("pocketagent-backup-%s.tar.gz", ts))
			}

			files := backupFiles(cfgPath, paths)
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", paths.dbPath, cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.pocketagent/backups/pocketagent-backup-<timestamp>.tar.gz)")
	return cmd
}

func backupRestoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore PocketAgent data from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			paths := resolveDataPaths(cfgPath)

			if !force {
				existing := false
				for _, p := range []string{paths.dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Reply log: %s\n", paths.dbPath)
					fmt.Printf("  Config:    %s\n", cfgPath)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(args[0], cfgPath, paths)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// dataPaths are the files a backup carries besides the config.
type dataPaths struct {
	dbPath        string
	selectorsFile string
}

// resolveDataPaths reads the reply log and selector paths from the config,
// falling back to the defaults next to the config file.
func resolveDataPaths(cfgPath string) dataPaths {
	p := dataPaths{dbPath: filepath.Join(filepath.Dir(cfgPath), "replylog.db")}
	if cfg, err := config.Load(cfgPath); err == nil {
		if cfg.ReplyLog.DBPath != "" {
			p.dbPath = cfg.ReplyLog.DBPath
		}
		p.selectorsFile = cfg.Browser.SelectorsFile
	}
	return p
}

func backupFiles(cfgPath string, paths dataPaths) []string {
	var files []string
	if _, err := os.Stat(paths.dbPath); err == nil {
		files = append(files, paths.dbPath)
		for _, suffix := range []string{"-wal", "-shm"} {
			if _, err := os.Stat(paths.dbPath + suffix); err == nil {
				files = append(files, paths.dbPath+suffix)
			}
		}
	}
	if _, err := os.Stat(cfgPath); err == nil {
		files = append(files, cfgPath)
	}
	if paths.selectorsFile != "" {
		if _, err := os.Stat(paths.selectorsFile); err == nil {
			files = append(files, paths.selectorsFile)
		}
	}
	return files
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores each archived file to the location its name maps to.
func extractTarGz(archivePath, cfgPath string, paths dataPaths) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath := restoreTarget(filepath.Base(header.Name), cfgPath, paths)
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		restored = append(restored, targetPath)
	}
	return restored, nil
}

func restoreTarget(baseName, cfgPath string, paths dataPaths) string {
	switch {
	case baseName == "config.json":
		return cfgPath
	case strings.HasSuffix(baseName, ".db"):
		return paths.dbPath
	case strings.HasSuffix(baseName, ".db-wal"):
		return paths.dbPath + "-wal"
	case strings.HasSuffix(baseName, ".db-shm"):
		return paths.dbPath + "-shm"
	case paths.selectorsFile != "" && baseName == filepath.Base(paths.selectorsFile):
		return paths.selectorsFile
	default:
		return filepath.Join(filepath.Dir(cfgPath), baseName)
	}
}
