package job

import "context"

// Reporter forwards pipeline progress for one job to the service.
type Reporter struct {
	svc *Service
	id  string
}

// NewReporter returns a reporter bound to job id.
func NewReporter(svc *Service, id string) *Reporter {
	return &Reporter{svc: svc, id: id}
}

// Report records that the stage named message has started at percent.
func (r *Reporter) Report(ctx context.Context, percent int, message string) error {
	return r.svc.Progress(ctx, r.id, percent, message)
}
