// Package gdrive archives completed session audio to a shared Drive folder.
package gdrive

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

type Archiver struct {
	service  *drive.Service
	folderID string
	fileIDs  map[int64]string
	mu       sync.Mutex
}

func NewArchiver(ctx context.Context, credPath, folderID string) (*Archiver, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &Archiver{
		service:  svc,
		folderID: folderID,
		fileIDs:  make(map[int64]string),
	}, nil
}

// Archive uploads the session's audio file once. Re-archiving the same
// session updates the existing Drive file instead of creating a duplicate.
func (a *Archiver) Archive(sessionID, meetingID int64, audioPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", audioPath, err)
	}
	defer func() { _ = f.Close() }()

	if fileID, ok := a.fileIDs[sessionID]; ok {
		_, err = a.service.Files.Update(fileID, &drive.File{}).Media(f).Do()
		if err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		return nil
	}

	name := fmt.Sprintf("meeting-%d-session-%d.wav", meetingID, sessionID)
	doc, err := a.service.Files.Create(&drive.File{
		Name:     name,
		MimeType: "audio/wav",
		Parents:  []string{a.folderID},
	}).Media(f).Do()
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}

	a.fileIDs[sessionID] = doc.Id
	return nil
}
