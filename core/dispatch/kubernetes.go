package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"fair_platform/core/storage"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

type KubernetesArgs struct {
	Namespace       string `env:"K8S_NAMESPACE" envDefault:"fair"`
	TrainingImage   string `env:"TRAINING_IMAGE"`
	CorrectionImage string `env:"CORRECTION_IMAGE"`
	ShareDir        string `env:"SHARE_DIR"`
	CallbackUrl     string `env:"CALLBACK_URL"`
	// Kubernetes mounts the shared volume from this claim.
	SharedClaim string `env:"SHARED_CLAIM" envDefault:"fair-share"`
}

type KubernetesDispatcher struct {
	clientset kubernetes.Interface
	storage   storage.Storage
	tokens    TokenIssuer
	args      KubernetesArgs
}

func NewKubernetesDispatcher(clientset kubernetes.Interface, storage storage.Storage, tokens TokenIssuer, args KubernetesArgs) *KubernetesDispatcher {
	slog.Info("creating kubernetes dispatcher", "namespace", args.Namespace, "training_image", args.TrainingImage)
	return &KubernetesDispatcher{clientset: clientset, storage: storage, tokens: tokens, args: args}
}

const (
	jobKindLabel = "fair.hotosm.org/job-kind"
	shareVolume  = "share"
)

func (d *KubernetesDispatcher) buildJob(jobName, kind, image, configPath string) (*batchv1.Job, error) {
	token, err := d.tokens.CreateJobToken(jobName)
	if err != nil {
		return nil, fmt.Errorf("error creating callback token for job %v: %w", jobName, err)
	}

	backoffLimit := int32(0)
	ttl := int32(24 * 60 * 60)

	container := corev1.Container{
		Name:  kind,
		Image: image,
		Args:  []string{"--config", configPath},
		Env: []corev1.EnvVar{
			{Name: "JOB_NAME", Value: jobName},
			{Name: "JOB_TOKEN", Value: token},
			{Name: "CALLBACK_URL", Value: d.args.CallbackUrl},
		},
	}
	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}
	if d.args.SharedClaim != "" {
		podSpec.Volumes = []corev1.Volume{{
			Name: shareVolume,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: d.args.SharedClaim},
			},
		}}
		podSpec.Containers[0].VolumeMounts = []corev1.VolumeMount{{Name: shareVolume, MountPath: d.args.ShareDir}}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: d.args.Namespace,
			Labels:    map[string]string{jobKindLabel: kind},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{jobKindLabel: kind}},
				Spec:       podSpec,
			},
		},
	}, nil
}

func (d *KubernetesDispatcher) create(ctx context.Context, job *batchv1.Job) error {
	slog.Info("starting kubernetes job", "job_name", job.Name, "namespace", d.args.Namespace)

	_, err := d.clientset.BatchV1().Jobs(d.args.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			slog.Info("kubernetes job already exists", "job_name", job.Name)
			return nil
		}
		slog.Error("error creating kubernetes job", "job_name", job.Name, "error", err)
		return fmt.Errorf("error starting kubernetes job %v: %w", job.Name, err)
	}

	slog.Info("kubernetes job started successfully", "job_name", job.Name)
	return nil
}

func (d *KubernetesDispatcher) DispatchTraining(ctx context.Context, job TrainingJob) error {
	configPath, err := WriteTrainingConfig(d.storage, job)
	if err != nil {
		return err
	}

	k8sJob, err := d.buildJob(job.JobName, "training", d.args.TrainingImage, configPath)
	if err != nil {
		return err
	}
	return d.create(ctx, k8sJob)
}

func (d *KubernetesDispatcher) DispatchCorrection(ctx context.Context, job CorrectionJob) error {
	configPath, err := WriteCorrectionConfig(d.storage, job)
	if err != nil {
		return err
	}

	image := d.args.CorrectionImage
	if image == "" {
		image = d.args.TrainingImage
	}
	k8sJob, err := d.buildJob(job.JobName, "correction", image, configPath)
	if err != nil {
		return err
	}
	return d.create(ctx, k8sJob)
}

func jobStatus(job *batchv1.Job) JobStatus {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return StatusSucceeded
		case batchv1.JobFailed:
			return StatusFailed
		}
	}
	if job.Status.Active > 0 {
		return StatusRunning
	}
	if job.Status.Succeeded > 0 {
		return StatusSucceeded
	}
	if job.Status.Failed > 0 {
		return StatusFailed
	}
	return StatusPending
}

func (d *KubernetesDispatcher) JobInfo(ctx context.Context, jobName string) (JobInfo, error) {
	job, err := d.clientset.BatchV1().Jobs(d.args.Namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return JobInfo{}, fmt.Errorf("kubernetes job %v: %w", jobName, ErrJobNotFound)
		}
		slog.Error("error getting kubernetes job info", "job_name", jobName, "error", err)
		return JobInfo{}, fmt.Errorf("error getting info for kubernetes job %v: %w", jobName, err)
	}

	return JobInfo{Name: job.Name, Status: jobStatus(job)}, nil
}

func (d *KubernetesDispatcher) StopJob(ctx context.Context, jobName string) error {
	slog.Info("stopping kubernetes job", "job_name", jobName)

	propagation := metav1.DeletePropagationBackground
	err := d.clientset.BatchV1().Jobs(d.args.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		slog.Error("error stopping kubernetes job", "job_name", jobName, "error", err)
		return fmt.Errorf("error stopping kubernetes job %v: %w", jobName, err)
	}
	return nil
}
