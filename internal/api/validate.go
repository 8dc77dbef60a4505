package api

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"

	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/jobsource"
	"github.com/kalambet/jobpipe/internal/resume"
	"github.com/kalambet/jobpipe/internal/storage"
)

const (
	minDescriptionChars = 50
	maxDescriptionChars = 20000
	maxChatIDLen        = 64
)

var languagePattern = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)

// AnalysisRequest is the body of POST /analyses and the analyze_job tool.
type AnalysisRequest struct {
	ResumeText     string `json:"resumeText"`
	JobURL         string `json:"jobUrl"`
	JobDescription string `json:"jobDescription"`
	ChatID         string `json:"chatId"`
}

// analysisInput is a validated AnalysisRequest.
type analysisInput struct {
	resume      string
	source      storage.JobSourceType
	url         string
	description string
	chatID      string
}

func (req AnalysisRequest) validate() (analysisInput, error) {
	url := strings.TrimSpace(req.JobURL)
	desc := strings.TrimSpace(req.JobDescription)

	var in analysisInput
	switch {
	case url != "" && desc != "":
		return in, fault.New(fault.Validation, "invalid_job_source", "provide either jobUrl or jobDescription, not both")
	case url == "" && desc == "":
		return in, fault.New(fault.Validation, "invalid_job_source", "one of jobUrl or jobDescription is required")
	case url != "":
		u, err := jobsource.ValidateURL(url)
		if err != nil {
			return in, err
		}
		in.source, in.url = storage.JobSourceURL, u.String()
	default:
		n := utf8.RuneCountInString(desc)
		if n < minDescriptionChars || n > maxDescriptionChars {
			return in, fault.New(fault.Validation, "invalid_job_description", "jobDescription must be %d to %d characters", minDescriptionChars, maxDescriptionChars)
		}
		in.source, in.description = storage.JobSourceText, desc
	}

	text, err := resume.Validate(req.ResumeText)
	if err != nil {
		return in, err
	}
	in.resume = text

	chatID, err := validateChatID(req.ChatID)
	if err != nil {
		return in, err
	}
	in.chatID = chatID
	return in, nil
}

// validateLanguage accepts "xx" and "xx-YY" codes that name a known language.
func validateLanguage(code string) (string, error) {
	code = strings.TrimSpace(code)
	if !languagePattern.MatchString(code) {
		return "", fault.New(fault.Validation, "invalid_language", "language must look like \"es\" or \"pt-BR\"")
	}
	if _, err := language.Parse(code); err != nil {
		return "", fault.New(fault.Validation, "invalid_language", "unknown language %q", code)
	}
	return code, nil
}

func validateChatID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if len(id) > maxChatIDLen {
		return "", fault.New(fault.Validation, "invalid_chat_id", "chatId is too long")
	}
	return id, nil
}
