package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
)

// FoodCandidate is a provisional food identification. Ephemeral — never
// persisted past resolution.
type FoodCandidate struct {
	Label      string       `json:"label"`
	Confidence float64      `json:"confidence"` // 0..1
	Box        *BoundingBox `json:"box,omitempty"`
}

type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// LabelDetector fronts the vision inference boundary so the pipeline can be
// exercised without AWS in tests.
type LabelDetector interface {
	DetectFood(ctx context.Context, payload []byte) ([]FoodCandidate, error)
}

type RekognitionService struct {
	client        *rekognition.Client
	maxLabels     int32
	minConfidence float32
}

func NewRekognitionService(ctx context.Context, region string) (*RekognitionService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &RekognitionService{
		client:        rekognition.NewFromConfig(cfg),
		maxLabels:     10,
		minConfidence: 55,
	}, nil
}

// DetectFood returns candidates ranked by confidence, descending. Requires a
// preprocessed payload. Transport failures map to ErrRecognitionUnavailable;
// a well-formed empty result is ErrNoCandidates.
func (r *RekognitionService) DetectFood(ctx context.Context, payload []byte) ([]FoodCandidate, error) {
	out, err := r.client.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:         &types.Image{Bytes: payload},
		MaxLabels:     aws.Int32(r.maxLabels),
		MinConfidence: aws.Float32(r.minConfidence),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecognitionUnavailable, err)
	}

	candidates := make([]FoodCandidate, 0, len(out.Labels))
	for _, l := range out.Labels {
		if l.Name == nil {
			continue
		}
		c := FoodCandidate{
			Label:      *l.Name,
			Confidence: float64(aws.ToFloat32(l.Confidence)) / 100,
		}
		if len(l.Instances) > 0 && l.Instances[0].BoundingBox != nil {
			bb := l.Instances[0].BoundingBox
			c.Box = &BoundingBox{
				Left:   float64(aws.ToFloat32(bb.Left)),
				Top:    float64(aws.ToFloat32(bb.Top)),
				Width:  float64(aws.ToFloat32(bb.Width)),
				Height: float64(aws.ToFloat32(bb.Height)),
			}
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates, nil
}
