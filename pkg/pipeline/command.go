package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/registry"
)

const maxOutputLines = 20

// CommandBuilder runs an external build command in the service's source directory, then
// packs the output directory the same way ArchiveBuilder packs a source tree.
//
// Command and Output are Handlebars templates with the variables {{name}}, {{source}} and {{tier}}.
type CommandBuilder struct {
	Root    string
	Command string
	Output  string
	Shell   string
}

var _ Builder = &CommandBuilder{}
var _ SourceChecker = &CommandBuilder{}

func (b *CommandBuilder) CheckSource(svc registry.Service) error {
	return checkDir(filepath.Join(b.Root, svc.Source))
}

func templateContext(svc registry.Service, source string) map[string]interface{} {
	return map[string]interface{}{
		"name":   svc.Name,
		"source": source,
		"tier":   svc.Tier,
	}
}

// Render expands template with the service's build variables.
func Render(template string, svc registry.Service, source string) (string, error) {
	return raymond.Render(template, templateContext(svc, source))
}

func (b *CommandBuilder) Build(ctx context.Context, svc registry.Service) (Artifact, error) {
	fail := func(err error) (Artifact, error) {
		return Artifact{}, &BuildError{Service: svc.Name, Err: err}
	}

	source, err := filepath.Abs(filepath.Join(b.Root, svc.Source))
	if err != nil {
		return fail(err)
	}
	if err := checkDir(source); err != nil {
		return fail(err)
	}

	command, err := Render(b.Command, svc, source)
	if err != nil {
		return fail(fmt.Errorf("render build command: %w", err))
	}
	output, err := Render(b.Output, svc, source)
	if err != nil {
		return fail(fmt.Errorf("render output directory: %w", err))
	}
	if output == "" {
		output = source
	} else if !filepath.IsAbs(output) {
		output = filepath.Join(source, output)
	}

	shell := b.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	logger := log.WithField("service", svc.Name)
	logger.Infof("running build command: %s", command)

	combined := &bytes.Buffer{}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = source
	cmd.Stdout = combined
	cmd.Stderr = combined

	err = cmd.Run()
	if err != nil {
		return fail(fmt.Errorf("%w: %s", err, tail(combined.String(), maxOutputLines)))
	}

	data, err := archive(ctx, output)
	if err != nil {
		return fail(err)
	}

	return Artifact{
		Service:   svc.Name,
		MediaType: ArchiveMediaType,
		Digest:    digest.FromBytes(data),
		Data:      data,
	}, nil
}

func tail(output string, lines int) string {
	parts := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}
