package domain

import (
	"strings"
)

// Params is the full parameter set handed to the dubbing pipeline.
// Field names follow the pipeline's keyword arguments.
type Params struct {
	SourceLang        string  `json:"source_lang" yaml:"source_lang"`
	TargetLang        string  `json:"target_lang" yaml:"target_lang"`
	DemucsModel       string  `json:"demucs_model" yaml:"demucs_model"`
	Device            string  `json:"device" yaml:"device"`
	Shifts            int     `json:"shifts" yaml:"shifts"`
	ASRMethod         string  `json:"asr_method" yaml:"asr_method"`
	WhisperModel      string  `json:"whisper_model" yaml:"whisper_model"`
	BatchSize         int     `json:"batch_size" yaml:"batch_size"`
	Diarization       bool    `json:"diarization" yaml:"diarization"`
	MinSpeakers       int     `json:"whisper_min_speakers" yaml:"min_speakers"`
	MaxSpeakers       int     `json:"whisper_max_speakers" yaml:"max_speakers"`
	TranslationMethod string  `json:"translation_method" yaml:"translation_method"`
	TTSMethod         string  `json:"tts_method" yaml:"tts_method"`
	Voice             string  `json:"voice" yaml:"voice"`
	Subtitles         bool    `json:"subtitles" yaml:"subtitles"`
	SpeedUp           float64 `json:"speed_up" yaml:"speed_up"`
	FPS               int     `json:"fps" yaml:"fps"`
	BGMVolume         float64 `json:"bgm_volume" yaml:"bgm_volume"`
	VideoVolume       float64 `json:"video_volume" yaml:"video_volume"`
	TargetResolution  string  `json:"target_resolution" yaml:"target_resolution"`
	MaxWorkers        int     `json:"max_workers" yaml:"max_workers"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
}

// DefaultParams returns the documented defaults table
func DefaultParams() Params {
	return Params{
		SourceLang:        "zh",
		TargetLang:        "en",
		DemucsModel:       "htdemucs_ft",
		Device:            "cuda",
		Shifts:            5,
		ASRMethod:         "WhisperX",
		WhisperModel:      "large-v2",
		BatchSize:         32,
		Diarization:       false,
		MinSpeakers:       1,
		MaxSpeakers:       5,
		TranslationMethod: "OpenAI",
		TTSMethod:         "xtts",
		Voice:             "zh-CN-XiaoxiaoNeural",
		Subtitles:         true,
		SpeedUp:           1.0,
		FPS:               30,
		BGMVolume:         0.5,
		VideoVolume:       1.0,
		TargetResolution:  "1080p",
		MaxWorkers:        3,
		MaxRetries:        5,
	}
}

// ParamOverrides carries caller-supplied values; nil fields keep the default
type ParamOverrides struct {
	SourceLang       *string
	TargetLang       *string
	WhisperModel     *string
	TTSMethod        *string
	Voice            *string
	Diarization      *bool
	Subtitles        *bool
	TargetResolution *string
}

// Apply returns base with every non-nil override written over it
func (o ParamOverrides) Apply(base Params) Params {
	p := base
	setString(&p.SourceLang, o.SourceLang)
	setString(&p.TargetLang, o.TargetLang)
	setString(&p.WhisperModel, o.WhisperModel)
	setString(&p.TTSMethod, o.TTSMethod)
	setString(&p.Voice, o.Voice)
	setString(&p.TargetResolution, o.TargetResolution)
	if o.Diarization != nil {
		p.Diarization = *o.Diarization
	}
	if o.Subtitles != nil {
		p.Subtitles = *o.Subtitles
	}
	return p
}

func setString(dst *string, v *string) {
	if v == nil {
		return
	}
	if s := strings.TrimSpace(*v); s != "" {
		*dst = s
	}
}

// Validate checks the parameter set before a job is admitted
func (p Params) Validate() error {
	switch {
	case strings.TrimSpace(p.SourceLang) == "":
		return NewAdmissionError("source_lang", "must not be empty")
	case strings.TrimSpace(p.TargetLang) == "":
		return NewAdmissionError("target_lang", "must not be empty")
	case p.MinSpeakers < 1:
		return NewAdmissionError("min_speakers", "must be at least 1")
	case p.MaxSpeakers < p.MinSpeakers:
		return NewAdmissionError("max_speakers", "must not be less than min_speakers")
	case p.Shifts <= 0:
		return NewAdmissionError("shifts", "must be positive")
	case p.BatchSize <= 0:
		return NewAdmissionError("batch_size", "must be positive")
	case p.FPS <= 0:
		return NewAdmissionError("fps", "must be positive")
	case p.SpeedUp <= 0:
		return NewAdmissionError("speed_up", "must be positive")
	case p.BGMVolume < 0 || p.VideoVolume < 0:
		return NewAdmissionError("volume", "must not be negative")
	case p.MaxWorkers <= 0:
		return NewAdmissionError("max_workers", "must be positive")
	case p.MaxRetries < 0:
		return NewAdmissionError("max_retries", "must not be negative")
	}
	return nil
}
