package job

// StepName identifies one stage of the pipeline.
type StepName string

const (
	StepExtractAudio      StepName = "extract_audio"
	StepTranscribe        StepName = "transcribe"
	StepDiarize           StepName = "diarize"
	StepTranslate         StepName = "translate"
	StepGenerateSubtitles StepName = "generate_subtitles"
	StepBurnIn            StepName = "burn_in"
)

// ResourceClass groups work with similar resource demands.
type ResourceClass string

const (
	ClassEncode      ResourceClass = "encode"      // ffmpeg decode/encode
	ClassAccelerator ResourceClass = "accelerator" // GPU models
	ClassGeneral     ResourceClass = "general"     // everything else
)

// Classes lists every resource class in scarcity order.
var Classes = []ResourceClass{ClassAccelerator, ClassEncode, ClassGeneral}

var stepClass = map[StepName]ResourceClass{
	StepExtractAudio:      ClassEncode,
	StepTranscribe:        ClassAccelerator,
	StepDiarize:           ClassAccelerator,
	StepTranslate:         ClassGeneral,
	StepGenerateSubtitles: ClassGeneral,
	StepBurnIn:            ClassEncode,
}

var stepLabel = map[StepName]string{
	StepExtractAudio:      "Extracting audio",
	StepTranscribe:        "Transcribing",
	StepDiarize:           "Identifying speakers",
	StepTranslate:         "Translating",
	StepGenerateSubtitles: "Generating subtitles",
	StepBurnIn:            "Burning subtitles",
}

// ClassOf returns the resource class a step needs.
func ClassOf(name StepName) ResourceClass {
	if class, ok := stepClass[name]; ok {
		return class
	}
	return ClassGeneral
}

// Label returns the human readable step name used in progress messages.
func (n StepName) Label() string {
	if label, ok := stepLabel[n]; ok {
		return label
	}
	return string(n)
}

// Step describes one entry of a step plan.
type Step struct {
	Name   StepName      `json:"name"`
	Index  int           `json:"index"`
	Class  ResourceClass `json:"class"`
	Weight float64       `json:"weight"`
}

// StepPlan is the ordered, fixed list of steps a job executes.
type StepPlan []Step

// BuildPlan computes the plan from the config flags only.
func BuildPlan(cfg Config) StepPlan {
	names := []StepName{StepExtractAudio, StepTranscribe}
	if cfg.EnableDiarization {
		names = append(names, StepDiarize)
	}
	if cfg.NeedsTranslation() {
		names = append(names, StepTranslate)
	}
	names = append(names, StepGenerateSubtitles)
	if cfg.BurnIn {
		names = append(names, StepBurnIn)
	}

	weight := 1.0 / float64(len(names))
	plan := make(StepPlan, len(names))
	for i, name := range names {
		plan[i] = Step{
			Name:   name,
			Index:  i,
			Class:  ClassOf(name),
			Weight: weight,
		}
	}
	return plan
}

// Total returns the number of steps.
func (p StepPlan) Total() int {
	return len(p)
}

// Has reports whether the plan contains the named step.
func (p StepPlan) Has(name StepName) bool {
	for _, s := range p {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Requires reports whether any step needs the given class.
func (p StepPlan) Requires(class ResourceClass) bool {
	for _, s := range p {
		if s.Class == class {
			return true
		}
	}
	return false
}

// Percent maps a step-internal fraction into the overall 0-100 range:
// index/total*100 + fraction*(100/total).
func (p StepPlan) Percent(index int, fraction float64) float64 {
	total := len(p)
	if total == 0 {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return float64(index)/float64(total)*100 + fraction*(100/float64(total))
}
