package agents

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UploadDir is where attached images are written inside a project.
const UploadDir = ".claude-town-uploads"

// Image is a base64-encoded attachment sent with a prompt.
type Image struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

var (
	unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	safeExt    = regexp.MustCompile(`^[a-z0-9.+-]+$`)
)

// SaveImages decodes images into the project's upload directory and returns
// their paths.
func SaveImages(projectPath string, images []Image) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	dir := filepath.Join(projectPath, UploadDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	paths := make([]string, 0, len(images))
	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode image %q: %v", ErrValidation, img.Name, err)
		}
		name := fmt.Sprintf("%s-%s.%s", uuid.NewString()[:8], unsafeName.ReplaceAllString(img.Name, "_"), imageExt(img.MediaType))
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("write image: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// imageExt derives a file extension from the media subtype, falling back to
// png for anything that is not a plain token.
func imageExt(mediaType string) string {
	_, sub, ok := strings.Cut(mediaType, "/")
	if !ok {
		return "png"
	}
	sub, _, _ = strings.Cut(sub, "/")
	sub = strings.ToLower(sub)
	if !safeExt.MatchString(sub) || strings.Trim(sub, ".") == "" || strings.Contains(sub, "..") {
		return "png"
	}
	if sub == "jpeg" {
		return "jpg"
	}
	return sub
}

// PromptWithImages appends references to saved images so the agent reads them.
func PromptWithImages(prompt string, paths []string) string {
	if len(paths) == 0 {
		return prompt
	}
	noun := "image"
	if len(paths) > 1 {
		noun = "images"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nI've attached %d %s for reference. Use the Read tool to view them:", prompt, len(paths), noun)
	for _, p := range paths {
		b.WriteString("\n- ")
		b.WriteString(p)
	}
	return b.String()
}
