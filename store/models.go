package store

import (
	"time"

	"gopkg.in/guregu/null.v3"
)

type Subject struct {
	ID          int64       `db:"id"`
	Label       string      `db:"label"`
	PatientID   null.String `db:"patient_id"`
	Sex         null.String `db:"sex"`
	DateOfBirth null.Time   `db:"date_of_birth"`
	Created     time.Time   `db:"created"`
}

type Session struct {
	ID        int64       `db:"id"`
	SubjectID int64       `db:"subject_id"`
	StudyUID  string      `db:"study_uid"`
	Time      time.Time   `db:"time"`
	Comments  null.String `db:"comments"`
	Created   time.Time   `db:"created"`
}

type SequenceType struct {
	ID               int64   `db:"id"`
	Title            string  `db:"title"`
	Description      string  `db:"description"`
	ScanningSequence Strings `db:"scanning_sequence"`
	SequenceVariant  Strings `db:"sequence_variant"`
	ImageType        Strings `db:"image_type"`
	DescriptionHints Strings `db:"description_hints"`
	ExcludeHints     Strings `db:"exclude_hints"`
}

type Scan struct {
	ID                    int64      `db:"id"`
	SessionID             int64      `db:"session_id"`
	SeriesUID             string     `db:"series_uid"`
	Number                int        `db:"number"`
	Description           string     `db:"description"`
	Time                  null.Time  `db:"time"`
	EchoTime              null.Float `db:"echo_time"`
	RepetitionTime        null.Float `db:"repetition_time"`
	InversionTime         null.Float `db:"inversion_time"`
	FlipAngle             null.Float `db:"flip_angle"`
	SpatialResolution     Floats     `db:"spatial_resolution"`
	FieldStrength         null.Float `db:"field_strength"`
	SequenceTypeID        null.Int   `db:"sequence_type_id"`
	DICOMPath             string     `db:"dicom_path"`
	PhaseEncoding         string     `db:"phase_encoding"`
	PhaseEncodingPositive null.Bool  `db:"phase_encoding_positive"`
	ContrastAgent         string     `db:"contrast_agent"`
	ImageType             Strings    `db:"image_type"`
	NIfTIID               null.Int   `db:"nifti_id"`
	Created               time.Time  `db:"created"`
}

type NIfTI struct {
	ID           int64     `db:"id"`
	Path         string    `db:"path"`
	IsRaw        bool      `db:"is_raw"`
	ParentScanID null.Int  `db:"parent_scan_id"`
	RunID        null.Int  `db:"run_id"`
	Created      time.Time `db:"created"`
}

type Atlas struct {
	ID          int64  `db:"id"`
	Title       string `db:"title"`
	Description string `db:"description"`
}

type Region struct {
	ID         int64    `db:"id"`
	AtlasID    int64    `db:"atlas_id"`
	Index      null.Int `db:"idx"`
	Title      string   `db:"title"`
	Hemisphere string   `db:"hemisphere"`
}

type Metric struct {
	ID          int64  `db:"id"`
	Title       string `db:"title"`
	Description string `db:"description"`
}

type Score struct {
	ID       int64   `db:"id"`
	RunID    int64   `db:"run_id"`
	RegionID int64   `db:"region_id"`
	MetricID int64   `db:"metric_id"`
	Value    float64 `db:"value"`
}

// RunStatus tracks a run through the queue.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run records one execution of a pipeline node.
type Run struct {
	ID        int64     `db:"id"`
	Node      string    `db:"node"`
	Interface string    `db:"interface"`
	ScanID    null.Int  `db:"scan_id"`
	Inputs    Document  `db:"inputs"`
	InputHash string    `db:"input_hash"`
	Outputs   Document  `db:"outputs"`
	Status    RunStatus `db:"status"`
	Error     string    `db:"error"`
	Created   time.Time `db:"created"`
	Started   null.Time `db:"started"`
	Finished  null.Time `db:"finished"`
}
