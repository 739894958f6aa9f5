package conversion

// Status is the polled state of a remote conversion job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusError      Status = "error"
)

// Terminal reports whether polling can stop.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

func parseStatus(remote string) Status {
	switch remote {
	case "waiting", "queued", "":
		return StatusQueued
	case "processing":
		return StatusProcessing
	case "finished":
		return StatusFinished
	case "error", "failed":
		return StatusError
	default:
		return StatusProcessing
	}
}

// Operations of the three-stage task graph.
const (
	OpImportURL = "import/url"
	OpConvert   = "convert"
	OpExportURL = "export/url"
)

// Task names used in the job's task graph.
const (
	TaskImport  = "import-source"
	TaskConvert = "convert-source"
	TaskExport  = "export-result"
)

// Job is the ephemeral view of a remote conversion job.
type Job struct {
	ID     string
	Status Status
	Tasks  []Task
}

// Task is one node of the remote task graph.
type Task struct {
	Name      string
	Operation string
	Status    Status
	Message   string
	Files     []File
}

// File is an exported result file.
type File struct {
	Filename string
	URL      string
}

// ExportURL returns the first output URL of the export task.
func (j Job) ExportURL() (string, bool) {
	for _, t := range j.Tasks {
		if t.Operation != OpExportURL && t.Name != TaskExport {
			continue
		}
		for _, f := range t.Files {
			if f.URL != "" {
				return f.URL, true
			}
		}
	}
	return "", false
}

// FailedTask returns the first task that reported an error.
func (j Job) FailedTask() (Task, bool) {
	for _, t := range j.Tasks {
		if t.Status == StatusError {
			return t, true
		}
	}
	return Task{}, false
}

// jobRequest is the wire body of a job creation request.
type jobRequest struct {
	Tasks map[string]taskSpec `json:"tasks"`
	Tag   string              `json:"tag,omitempty"`
}

type taskSpec struct {
	Operation    string `json:"operation"`
	URL          string `json:"url,omitempty"`
	Filename     string `json:"filename,omitempty"`
	Input        string `json:"input,omitempty"`
	InputFormat  string `json:"input_format,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

func newJobRequest(sourceURL, filename, inputFormat, outputFormat, tag string) jobRequest {
	return jobRequest{
		Tag: tag,
		Tasks: map[string]taskSpec{
			TaskImport:  {Operation: OpImportURL, URL: sourceURL, Filename: filename},
			TaskConvert: {Operation: OpConvert, Input: TaskImport, InputFormat: inputFormat, OutputFormat: outputFormat},
			TaskExport:  {Operation: OpExportURL, Input: TaskConvert},
		},
	}
}

type jobEnvelope struct {
	Data jobWire `json:"data"`
}

type jobWire struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Tasks  []taskWire `json:"tasks"`
}

type taskWire struct {
	Name      string `json:"name"`
	Operation string `json:"operation"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Result    *struct {
		Files []struct {
			Filename string `json:"filename"`
			URL      string `json:"url"`
		} `json:"files"`
	} `json:"result"`
}

func (w jobWire) job() Job {
	j := Job{ID: w.ID, Status: parseStatus(w.Status)}
	for _, tw := range w.Tasks {
		t := Task{Name: tw.Name, Operation: tw.Operation, Status: parseStatus(tw.Status), Message: tw.Message}
		if tw.Result != nil {
			for _, f := range tw.Result.Files {
				t.Files = append(t.Files, File{Filename: f.Filename, URL: f.URL})
			}
		}
		j.Tasks = append(j.Tasks, t)
	}
	return j
}
