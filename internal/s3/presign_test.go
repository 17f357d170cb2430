package s3

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func newClient(t *testing.T) *minio.Client {
	t.Helper()
	mc, err := minio.New("localhost:9000", &minio.Options{Creds: credentials.NewStaticV4("k", "s", ""), Secure: false, Region: "us-east-1"})
	if err != nil {
		t.Fatal(err)
	}
	return mc
}

func TestPresignPutClampsTTL(t *testing.T) {
	svc := Service{Client: newClient(t), Bucket: "bucket", MaxTTL: time.Minute}
	if _, err := svc.PresignPut(context.Background(), "k", "", 0); err == nil {
		t.Fatal("expected error for ttl <= 0")
	}
	u, err := svc.PresignPut(context.Background(), "k", "", 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	uu, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uu.Query().Get("X-Amz-Expires"); exp != "60" {
		t.Fatalf("expected clamp to 60s, got %s", exp)
	}
}

func TestPresignPutSignsContentType(t *testing.T) {
	svc := Service{Client: newClient(t), Bucket: "bucket", MaxTTL: time.Minute}
	u, err := svc.PresignPut(context.Background(), "k", "image/png", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	uu, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	if signed := uu.Query().Get("X-Amz-SignedHeaders"); !strings.Contains(signed, "content-type") {
		t.Fatalf("content-type not signed: %s", signed)
	}
}

func TestPresignGetDisposition(t *testing.T) {
	svc := Service{Client: newClient(t), Bucket: "bucket", MaxTTL: time.Minute}
	u, err := svc.PresignGet(context.Background(), "k", `quarterly "final".pdf`, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	uu, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	cd := uu.Query().Get("response-content-disposition")
	if cd != `attachment; filename="quarterly final.pdf"` {
		t.Fatalf("unexpected content-disposition %s", cd)
	}
}
