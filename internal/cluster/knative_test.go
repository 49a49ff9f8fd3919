package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
)

func newTestDriver(objects ...runtime.Object) (*KnativeDriver, *dynamicfake.FakeDynamicClient, *k8sfake.Clientset) {
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(
		runtime.NewScheme(),
		map[schema.GroupVersionResource]string{
			servingGVR:    "ServiceList",
			podMetricsGVR: "PodMetricsList",
		},
	)
	core := k8sfake.NewSimpleClientset(objects...)
	return NewKnativeDriver(dyn, core, "default", zap.NewNop(), nil), dyn, core
}

func TestMapErrorTaxonomy(t *testing.T) {
	gr := schema.GroupResource{Group: "serving.knative.dev", Resource: "services"}
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"not found", apierrors.NewNotFound(gr, "fn"), ErrNotFound},
		{"bad request", apierrors.NewBadRequest("nope"), ErrInvalidSpec},
		{"conflict", apierrors.NewConflict(gr, "fn", errors.New("stale")), ErrConflict},
		{"already exists", apierrors.NewAlreadyExists(gr, "fn"), ErrConflict},
		{"server timeout", apierrors.NewServerTimeout(gr, "get", 1), ErrClusterUnreachable},
		{"unavailable", apierrors.NewServiceUnavailable("down"), ErrClusterUnreachable},
		{"too many requests", apierrors.NewTooManyRequests("throttled", 1), ErrClusterUnreachable},
		{"deadline", context.DeadlineExceeded, ErrClusterUnreachable},
	}
	for _, tc := range cases {
		if got := mapError(tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}

	plain := errors.New("something else")
	if got := mapError(plain); got != plain {
		t.Fatalf("expected passthrough, got %v", got)
	}
	if mapError(nil) != nil {
		t.Fatal("expected nil for nil")
	}
}

func TestRetryableErrors(t *testing.T) {
	if !retryable(mapError(apierrors.NewServiceUnavailable("down"))) {
		t.Fatal("unreachable must be retryable")
	}
	if retryable(mapError(apierrors.NewBadRequest("nope"))) {
		t.Fatal("invalid spec must not be retryable")
	}
}

func TestApplyCreatesThenUpdates(t *testing.T) {
	d, dyn, _ := newTestDriver()
	ctx := context.Background()

	spec := FunctionSpec{
		Name:          "echo",
		Image:         "example/echo:1",
		CPUMillicores: 500,
		MemoryMB:      256,
		MinScale:      0,
		MaxScale:      3,
	}
	if _, err := d.Apply(ctx, spec); err != nil {
		t.Fatalf("apply: %v", err)
	}

	obj, err := dyn.Resource(servingGVR).Namespace("default").Get(ctx, "echo", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	containers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	if len(containers) != 1 {
		t.Fatalf("expected 1 container, got %d", len(containers))
	}
	container := containers[0].(map[string]interface{})
	if container["image"] != "example/echo:1" {
		t.Fatalf("expected image set, got %v", container["image"])
	}
	annotations, _, _ := unstructured.NestedStringMap(obj.Object, "spec", "template", "metadata", "annotations")
	if annotations[minScaleAnnotation] != "0" || annotations[maxScaleAnnotation] != "3" {
		t.Fatalf("unexpected scale annotations %v", annotations)
	}

	spec.Image = "example/echo:2"
	if _, err := d.Apply(ctx, spec); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	obj, err = dyn.Resource(servingGVR).Namespace("default").Get(ctx, "echo", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	containers, _, _ = unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	container = containers[0].(map[string]interface{})
	if container["image"] != "example/echo:2" {
		t.Fatalf("expected updated image, got %v", container["image"])
	}
}

func TestApplyRejectsEmptySpec(t *testing.T) {
	d, _, _ := newTestDriver()
	if _, err := d.Apply(context.Background(), FunctionSpec{Name: "x"}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestRemoveMissingServiceIsNoError(t *testing.T) {
	d, _, _ := newTestDriver()
	if err := d.Remove(context.Background(), "ghost"); err != nil {
		t.Fatalf("expected absence tolerated, got %v", err)
	}
}

func TestStatusNotFound(t *testing.T) {
	d, _, _ := newTestDriver()
	if _, err := d.Status(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScaleRewritesAnnotationsOnly(t *testing.T) {
	d, dyn, _ := newTestDriver()
	ctx := context.Background()

	spec := FunctionSpec{Name: "echo", Image: "example/echo:1", MinScale: 1, MaxScale: 5}
	if _, err := d.Apply(ctx, spec); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := d.Scale(ctx, "echo", 0, 0); err != nil {
		t.Fatalf("scale: %v", err)
	}

	obj, err := dyn.Resource(servingGVR).Namespace("default").Get(ctx, "echo", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	annotations, _, _ := unstructured.NestedStringMap(obj.Object, "spec", "template", "metadata", "annotations")
	if annotations[minScaleAnnotation] != "0" || annotations[maxScaleAnnotation] != "0" {
		t.Fatalf("expected zeroed scale annotations, got %v", annotations)
	}
	containers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	if containers[0].(map[string]interface{})["image"] != "example/echo:1" {
		t.Fatal("scale must not touch the image")
	}
}

func TestPodMetricsReportsRunningPodsWithoutReadings(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	started := created.Add(2 * time.Second)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "echo-abc",
			Namespace:         "default",
			Labels:            map[string]string{serviceLabel: "echo"},
			CreationTimestamp: metav1.Time{Time: created},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				State: corev1.ContainerState{
					Running: &corev1.ContainerStateRunning{StartedAt: metav1.Time{Time: started}},
				},
			}},
		},
	}
	pending := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "echo-def",
			Namespace: "default",
			Labels:    map[string]string{serviceLabel: "echo"},
		},
		Status: corev1.PodStatus{Phase: corev1.PodPending},
	}

	d, _, _ := newTestDriver(pod, pending)
	samples, err := d.PodMetrics(context.Background(), "echo")
	if err != nil {
		t.Fatalf("pod metrics: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected only the running pod, got %d samples", len(samples))
	}
	s := samples[0]
	if s.PodName != "echo-abc" {
		t.Fatalf("unexpected pod %q", s.PodName)
	}
	if !s.CreatedAt.Equal(created) || !s.StartedAt.Equal(started) {
		t.Fatalf("timestamps not carried over: %+v", s)
	}
	if s.CPUMillicores != 0 || s.MemoryMB != 0 {
		t.Fatalf("expected zero usage without metrics readings, got %+v", s)
	}
}

func TestStatusFromObject(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"status": map[string]interface{}{
			"url": "http://echo.default.example.com",
			"conditions": []interface{}{
				map[string]interface{}{"type": "ConfigurationsReady", "status": "True"},
				map[string]interface{}{"type": "Ready", "status": "True", "reason": ""},
			},
		},
	}}
	status := statusFromObject(obj)
	if !status.Ready || status.URL != "http://echo.default.example.com" {
		t.Fatalf("unexpected status %+v", status)
	}

	notReady := &unstructured.Unstructured{Object: map[string]interface{}{
		"status": map[string]interface{}{
			"conditions": []interface{}{
				map[string]interface{}{"type": "Ready", "status": "False", "reason": "RevisionMissing"},
			},
		},
	}}
	status = statusFromObject(notReady)
	if status.Ready || status.Reason != "RevisionMissing" {
		t.Fatalf("unexpected status %+v", status)
	}
}
