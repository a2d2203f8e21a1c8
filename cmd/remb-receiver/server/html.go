package server

// indexPage lets a browser publish its camera to the receiver. The page
// polls /stats so the estimate can be watched while the call runs.
const indexPage = `<!DOCTYPE html>
<html>
<head>
    <title>REMB Receiver</title>
    <style>
        body { font-family: sans-serif; max-width: 720px; margin: 40px auto; color: #222; }
        button { padding: 10px 20px; font-size: 15px; margin-right: 8px; }
        #status { margin: 16px 0; padding: 12px; background: #eef; border-radius: 4px; }
        video { width: 100%; max-width: 640px; background: #000; }
        pre { background: #f4f4f4; padding: 12px; overflow-x: auto; }
    </style>
</head>
<body>
    <h1>REMB Receiver</h1>
    <p>Publishes the camera to the server, which answers with goog-remb and
    abs-send-time only. Compare the estimate below with the send bitrate in
    <code>chrome://webrtc-internals</code>.</p>

    <button id="start" onclick="start()">Publish</button>
    <button id="stop" onclick="stop()" disabled>Stop</button>
    <div id="status">idle</div>
    <video id="video" autoplay muted playsinline></video>
    <pre id="stats">{}</pre>

    <script>
        let pc = null;
        let stream = null;
        let poll = null;

        function status(text) {
            document.getElementById('status').textContent = text;
        }

        async function start() {
            document.getElementById('start').disabled = true;
            document.getElementById('stop').disabled = false;
            try {
                stream = await navigator.mediaDevices.getUserMedia({ video: { width: 640, height: 480 }, audio: false });
                document.getElementById('video').srcObject = stream;

                pc = new RTCPeerConnection({ iceServers: [] });
                stream.getTracks().forEach(t => pc.addTrack(t, stream));
                pc.onconnectionstatechange = () => status(pc.connectionState);
                pc.onicecandidate = async (ev) => {
                    if (ev.candidate !== null) {
                        return;
                    }
                    const resp = await fetch('/offer', {
                        method: 'POST',
                        headers: { 'Content-Type': 'application/json' },
                        body: JSON.stringify(pc.localDescription)
                    });
                    if (!resp.ok) {
                        status('offer rejected: ' + resp.status);
                        stop();
                        return;
                    }
                    await pc.setRemoteDescription(await resp.json());
                };
                await pc.setLocalDescription(await pc.createOffer());
                poll = setInterval(async () => {
                    const resp = await fetch('/stats');
                    document.getElementById('stats').textContent = JSON.stringify(await resp.json(), null, 2);
                }, 1000);
            } catch (err) {
                status('error: ' + err.message);
                stop();
            }
        }

        function stop() {
            if (poll) { clearInterval(poll); poll = null; }
            if (pc) { pc.close(); pc = null; }
            if (stream) { stream.getTracks().forEach(t => t.stop()); stream = null; }
            document.getElementById('video').srcObject = null;
            document.getElementById('start').disabled = false;
            document.getElementById('stop').disabled = true;
            status('idle');
        }
    </script>
</body>
</html>`
