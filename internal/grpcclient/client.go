package grpcclient

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/faceid/internal/embedding"
	"github.com/example/faceid/internal/imaging"
	"github.com/example/faceid/internal/logging"
)

// DetectMethod is the full gRPC method name served by the face analyzer.
const DetectMethod = "/faceid.v1.FaceAnalyzer/Detect"

// DialFaceAnalyzer returns a ready-to-use detector backed by the remote face analyzer.
func DialFaceAnalyzer(ctx context.Context, addr string, dimension int, logger *zap.Logger) (*FaceAnalyzer, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_analyzer", "", err)
		logger.Error("failed to dial face analyzer", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewFaceAnalyzer(conn, dimension, logger), conn, nil
}

// FaceAnalyzer implements embedding.Detector over a gRPC connection.
type FaceAnalyzer struct {
	conn      grpc.ClientConnInterface
	dimension int
	logger    *zap.Logger
}

// NewFaceAnalyzer wraps an existing connection. A dimension of zero disables
// the embedding length check.
func NewFaceAnalyzer(conn grpc.ClientConnInterface, dimension int, logger *zap.Logger) *FaceAnalyzer {
	return &FaceAnalyzer{conn: conn, dimension: dimension, logger: logger.Named("face_analyzer")}
}

// Detect sends the image as JPEG and returns the analyzer's faces in its order.
func (f *FaceAnalyzer) Detect(ctx context.Context, img image.Image) ([]embedding.Face, error) {
	payload, err := imaging.EncodeJPEG(img)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_image", "", err)
	}

	resp := &structpb.Struct{}
	if err := f.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(payload), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect", "", err)
		f.logger.Error("face analyzer call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	faces, err := ParseFaces(resp, f.dimension)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.parse_faces", "", err)
	}
	f.logger.Debug("face analyzer response", zap.Int("faces", len(faces)))
	return faces, nil
}

// ParseFaces converts the analyzer's response into faces. Each entry of the
// "faces" list carries "embedding", "bbox" as [x1, y1, x2, y2] and "score".
func ParseFaces(resp *structpb.Struct, dimension int) ([]embedding.Face, error) {
	list := resp.GetFields()["faces"].GetListValue()
	if list == nil {
		return []embedding.Face{}, nil
	}

	faces := make([]embedding.Face, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		entry := v.GetStructValue()
		if entry == nil {
			return nil, fmt.Errorf("face %d: not an object", i)
		}
		fields := entry.GetFields()

		values := fields["embedding"].GetListValue().GetValues()
		if len(values) == 0 {
			return nil, fmt.Errorf("face %d: missing embedding", i)
		}
		if dimension > 0 && len(values) != dimension {
			return nil, fmt.Errorf("face %d: embedding has %d values, want %d", i, len(values), dimension)
		}
		vec := make([]float32, len(values))
		for j, x := range values {
			vec[j] = float32(x.GetNumberValue())
		}

		var box image.Rectangle
		if coords := fields["bbox"].GetListValue().GetValues(); len(coords) == 4 {
			box = image.Rect(
				int(coords[0].GetNumberValue()),
				int(coords[1].GetNumberValue()),
				int(coords[2].GetNumberValue()),
				int(coords[3].GetNumberValue()),
			)
		}

		faces = append(faces, embedding.Face{
			Embedding: vec,
			BBox:      box,
			Score:     float32(fields["score"].GetNumberValue()),
		})
	}
	return faces, nil
}
